// Package logging audit support: a structured, append-only trail of pipeline
// events (run/phase transitions, provider calls, job outcomes) written as
// JSON lines so operators can grep or post-process a single file per day.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Run lifecycle events
	AuditRunStart    AuditEventType = "run_start"
	AuditRunComplete AuditEventType = "run_complete"
	AuditRunFail     AuditEventType = "run_fail"
	AuditRunCancel   AuditEventType = "run_cancel"
	AuditRunResume   AuditEventType = "run_resume"

	// Phase events
	AuditPhaseStart    AuditEventType = "phase_start"
	AuditPhaseComplete AuditEventType = "phase_complete"
	AuditPhaseFail     AuditEventType = "phase_fail"
	AuditPhaseSkip     AuditEventType = "phase_skip"
	AuditPhaseBlock    AuditEventType = "phase_block"

	// External provider events
	AuditProviderCall  AuditEventType = "provider_call"
	AuditProviderError AuditEventType = "provider_error"
	AuditBreakerOpen   AuditEventType = "breaker_open"
	AuditBreakerClose  AuditEventType = "breaker_close"

	// Job queue events
	AuditJobEnqueue    AuditEventType = "job_enqueue"
	AuditJobComplete   AuditEventType = "job_complete"
	AuditJobFail       AuditEventType = "job_fail"
	AuditJobDeadLetter AuditEventType = "job_dead_letter"

	// Retry events
	AuditRetryAttempt AuditEventType = "retry_attempt"
	AuditRetryExhaust AuditEventType = "retry_exhaust"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"`                // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	Category   string         `json:"cat,omitempty"`
	RunID      string         `json:"run,omitempty"`
	Phase      string         `json:"phase,omitempty"`
	Service    string         `json:"service,omitempty"` // External service name
	Target     string         `json:"target,omitempty"`  // Item/URL/domain acted on
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"msg,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes audit events, optionally scoped to a run.
type AuditLogger struct {
	runID    string
	category Category
}

// InitAudit initializes the audit trail file. No-op when logging is disabled.
func InitAudit() error {
	if !IsEnabled() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	cfgMu.RLock()
	dir := cfg.Dir
	cfgMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit trail started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithRun creates an audit logger scoped to a pipeline run.
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// AuditWithContext creates a fully-scoped audit logger.
func AuditWithContext(runID string, category Category) *AuditLogger {
	return &AuditLogger{runID: runID, category: category}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsEnabled() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" && a.runID != "" {
		event.RunID = a.runID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// Phase records a phase transition event.
func (a *AuditLogger) Phase(eventType AuditEventType, phase string, success bool, durMs int64, msg string) {
	a.Log(AuditEvent{
		EventType:  eventType,
		Phase:      phase,
		Success:    success,
		DurationMs: durMs,
		Message:    msg,
	})
}

// Provider records an external provider call outcome.
func (a *AuditLogger) Provider(service, target string, success bool, durMs int64, errMsg string) {
	et := AuditProviderCall
	if !success {
		et = AuditProviderError
	}
	a.Log(AuditEvent{
		EventType:  et,
		Service:    service,
		Target:     target,
		Success:    success,
		DurationMs: durMs,
		Error:      errMsg,
	})
}
