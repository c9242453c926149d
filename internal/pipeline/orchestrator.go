// Package pipeline owns run execution: the phase dependency DAG, the
// per-run execution loop, scheduling, and the service surface the API
// exposes. Phase work itself lives in the component packages; this package
// decides what runs when, records every transition, and derives the final
// run status from what was persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// phasePredecessors declares the dependency DAG. A phase may start only when
// every predecessor is completed or skipped.
var phasePredecessors = map[types.PhaseName][]types.PhaseName{
	types.PhaseKeywordMetrics:    {},
	types.PhaseSerpCollection:    {types.PhaseKeywordMetrics},
	types.PhaseCompanyEnrichment: {types.PhaseSerpCollection},
	types.PhaseYouTubeEnrichment: {types.PhaseSerpCollection},
	types.PhaseContentScraping:   {types.PhaseSerpCollection},
	types.PhaseContentAnalysis: {
		types.PhaseContentScraping,
		types.PhaseCompanyEnrichment,
		types.PhaseYouTubeEnrichment,
	},
	types.PhaseDSICalculation: {types.PhaseContentAnalysis},
}

// descendants returns every phase downstream of p, directly or transitively.
func descendants(p types.PhaseName) []types.PhaseName {
	var out []types.PhaseName
	for _, candidate := range types.AllPhases {
		if dependsOn(candidate, p) {
			out = append(out, candidate)
		}
	}
	return out
}

func dependsOn(phase, ancestor types.PhaseName) bool {
	for _, pred := range phasePredecessors[phase] {
		if pred == ancestor || dependsOn(pred, ancestor) {
			return true
		}
	}
	return false
}

// Handler executes one phase for one run and returns the result payload
// recorded on the phase row. Returning an error built with Skip marks the
// phase skipped instead of failed.
type Handler func(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error)

// EventSink receives run and phase transition frames. The API's websocket
// hub implements it; tests use a buffer.
type EventSink interface {
	Publish(types.Event)
}

type skipError struct {
	reasons []string
}

func (e *skipError) Error() string {
	return "phase skipped: " + strings.Join(e.reasons, "; ")
}

// Skip signals from a handler that the phase should be marked skipped with
// the given reasons rather than failed.
func Skip(reasons ...string) error {
	return &skipError{reasons: reasons}
}

// Orchestrator enforces the DAG for every run. It owns the phase status
// rows; nothing else writes them.
type Orchestrator struct {
	st       *store.Store
	handlers map[types.PhaseName]Handler
	events   EventSink
	metrics  *metrics.Metrics
}

// NewOrchestrator builds an orchestrator with no handlers registered.
// Events and metrics may be nil.
func NewOrchestrator(st *store.Store, events EventSink, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		st:       st,
		handlers: make(map[types.PhaseName]Handler),
		events:   events,
		metrics:  m,
	}
}

// RegisterHandler binds a phase to its handler. The service registers
// closures here; the orchestrator never calls back into the service by
// identity.
func (o *Orchestrator) RegisterHandler(phase types.PhaseName, h Handler) {
	o.handlers[phase] = h
}

// phaseEnabled folds the run's phase selection together with testing
// overrides. Disabled phases initialize as skipped and do not count against
// the final run status.
func phaseEnabled(cfg *types.PipelineConfig, phase types.PhaseName) bool {
	if !cfg.PhaseEnabled(phase) {
		return false
	}
	if t := cfg.Testing; t != nil {
		if t.SkipEnrichment && (phase == types.PhaseCompanyEnrichment || phase == types.PhaseYouTubeEnrichment) {
			return false
		}
		if t.SkipAnalysis && phase == types.PhaseContentAnalysis {
			return false
		}
	}
	return true
}

// Initialize writes one status row per phase: enabled phases pending,
// disabled ones skipped. Re-initializing for resume preserves terminal
// states and resets any stale running phase back to pending.
func (o *Orchestrator) Initialize(runID string, cfg *types.PipelineConfig) error {
	return o.st.InitPhases(runID, func(p types.PhaseName) bool {
		return phaseEnabled(cfg, p)
	})
}

// CanExecute reports whether a phase may start: it must be pending and
// every predecessor must have finished as completed or skipped.
func (o *Orchestrator) CanExecute(runID string, phase types.PhaseName) (bool, string, error) {
	ps, err := o.st.GetPhaseStatus(runID, phase)
	if err != nil {
		return false, "", err
	}
	if ps.State != types.PhasePending {
		return false, fmt.Sprintf("phase is %s, not pending", ps.State), nil
	}
	for _, pred := range phasePredecessors[phase] {
		pp, err := o.st.GetPhaseStatus(runID, pred)
		if err != nil {
			return false, "", err
		}
		if pp.State != types.PhaseCompleted && pp.State != types.PhaseSkipped {
			return false, fmt.Sprintf("predecessor %s is %s", pred, pp.State), nil
		}
	}
	return true, "", nil
}

// NextExecutable returns the first phase, in DAG order, that is ready to
// run. Runtime preconditions are deliberately not consulted here: Execute
// resolves an unmet precondition by skipping the phase, which keeps the
// execution loop draining instead of wedging on it.
func (o *Orchestrator) NextExecutable(runID string) (types.PhaseName, bool, error) {
	for _, phase := range types.AllPhases {
		ok, _, err := o.CanExecute(runID, phase)
		if err != nil {
			return "", false, err
		}
		if ok {
			return phase, true, nil
		}
	}
	return "", false, nil
}

// precondition checks the storage-backed runtime requirements for a phase.
// Reading from storage rather than in-memory state means the checks hold
// across restarts.
func (o *Orchestrator) precondition(runID string, phase types.PhaseName) (bool, string, error) {
	switch phase {
	case types.PhaseCompanyEnrichment, types.PhaseContentScraping:
		n, err := o.st.CountSerpResults(runID, "")
		if err != nil {
			return false, "", err
		}
		if n == 0 {
			return false, "no serp results collected for this run", nil
		}
	case types.PhaseYouTubeEnrichment:
		n, err := o.st.CountSerpResults(runID, types.ContentVideo)
		if err != nil {
			return false, "", err
		}
		if n == 0 {
			return false, "no video serp results collected for this run", nil
		}
	}
	return true, "", nil
}

// Execute runs one phase end to end: readiness and precondition checks,
// the running transition, the handler, and the terminal transition. A
// failed phase cascade-blocks every pending descendant. The returned error
// is reserved for infrastructure problems and cancellation; a handler
// failure is recorded on the phase row and returns nil so the caller's
// loop keeps draining.
func (o *Orchestrator) Execute(ctx context.Context, runID string, phase types.PhaseName, cfg *types.PipelineConfig) error {
	ok, reason, err := o.CanExecute(runID, phase)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("phase %s cannot execute: %s", phase, reason)
	}

	ok, reason, err = o.precondition(runID, phase)
	if err != nil {
		return err
	}
	if !ok {
		if err := o.st.MarkPhaseSkipped(runID, phase, []string{reason}); err != nil {
			return err
		}
		o.observe(runID, phase, "skipped", reason)
		return nil
	}

	handler, registered := o.handlers[phase]
	if !registered {
		msg := fmt.Sprintf("no handler registered for phase %s", phase)
		if err := o.st.MarkPhaseFailed(runID, phase, msg); err != nil {
			return err
		}
		o.observe(runID, phase, "failed", msg)
		o.blockDescendants(runID, phase)
		return nil
	}

	if err := o.st.MarkPhaseRunning(runID, phase); err != nil {
		return err
	}
	o.observe(runID, phase, "running", "")

	started := time.Now()
	result, err := handler(ctx, runID, cfg)
	elapsed := time.Since(started).Round(time.Millisecond)

	var skip *skipError
	switch {
	case err == nil:
		if err := o.st.MarkPhaseCompleted(runID, phase, result); err != nil {
			return err
		}
		logging.Pipeline("Run %s: phase %s completed in %s", runID, phase, elapsed)
		o.observe(runID, phase, "completed", "")
	case errors.As(err, &skip):
		if err := o.st.MarkPhaseSkipped(runID, phase, skip.reasons); err != nil {
			return err
		}
		o.observe(runID, phase, "skipped", strings.Join(skip.reasons, "; "))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Leave the phase marked running: resume re-enters it from its
		// checkpoint after a restart, and finishRun settles it for a
		// cancelled run.
		logging.Pipeline("Run %s: phase %s interrupted after %s", runID, phase, elapsed)
		return err
	default:
		if markErr := o.st.MarkPhaseFailed(runID, phase, err.Error()); markErr != nil {
			return markErr
		}
		logging.PipelineWarn("Run %s: phase %s failed after %s: %v", runID, phase, elapsed, err)
		o.observe(runID, phase, "failed", err.Error())
		o.blockDescendants(runID, phase)
	}
	return nil
}

// blockDescendants cascade-marks every pending phase downstream of a failed
// one. Phases already terminal are left alone.
func (o *Orchestrator) blockDescendants(runID string, failed types.PhaseName) {
	reason := fmt.Sprintf("upstream phase %s failed", failed)
	for _, d := range descendants(failed) {
		before, err := o.st.GetPhaseStatus(runID, d)
		if err != nil || before.State != types.PhasePending {
			continue
		}
		if err := o.st.MarkPhaseBlocked(runID, d, reason); err != nil {
			logging.PipelineWarn("Run %s: failed to block phase %s: %v", runID, d, err)
			continue
		}
		o.observe(runID, d, "blocked", reason)
	}
}

func (o *Orchestrator) observe(runID string, phase types.PhaseName, status, message string) {
	if o.metrics != nil {
		o.metrics.PhaseTransitions.WithLabelValues(string(phase), status).Inc()
	}
	if o.events == nil {
		return
	}
	text := fmt.Sprintf("Phase %s %s", phase, status)
	if message != "" {
		text += ": " + message
	}
	o.events.Publish(types.NewEvent(types.EventPhaseUpdate, runID, text, map[string]any{
		"phase":  string(phase),
		"status": status,
	}))
}

// PhaseTiming is one row of a run summary.
type PhaseTiming struct {
	Phase        types.PhaseName  `json:"phase"`
	State        types.PhaseState `json:"state"`
	DurationSecs float64          `json:"duration_seconds,omitempty"`
	Result       map[string]any   `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	SkipReasons  []string         `json:"skip_reasons,omitempty"`
}

// Summary aggregates a run's phase rows for the status API.
type Summary struct {
	RunID  string                   `json:"run_id"`
	Counts map[types.PhaseState]int `json:"counts"`
	Phases []PhaseTiming            `json:"phases"`
}

// Summary reports per-phase state, timings and results for a run.
func (o *Orchestrator) Summary(runID string) (*Summary, error) {
	statuses, err := o.st.ListPhaseStatuses(runID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		RunID:  runID,
		Counts: make(map[types.PhaseState]int),
		Phases: make([]PhaseTiming, 0, len(statuses)),
	}
	for _, ps := range statuses {
		sum.Counts[ps.State]++
		timing := PhaseTiming{
			Phase:       ps.Phase,
			State:       ps.State,
			Result:      ps.Result,
			SkipReasons: ps.SkipReasons,
		}
		if ps.State == types.PhaseFailed || ps.State == types.PhaseBlocked {
			timing.Error = ps.Message
		}
		if ps.StartedAt != nil && ps.CompletedAt != nil {
			timing.DurationSecs = ps.CompletedAt.Sub(*ps.StartedAt).Seconds()
		}
		sum.Phases = append(sum.Phases, timing)
	}
	return sum, nil
}
