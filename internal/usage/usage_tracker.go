// Package usage meters daily unit spend against external APIs that price
// calls in quota units. The ledger is persisted as JSON so a restart in
// the middle of a day does not reset the count and blow the budget.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marketvane/internal/logging"
)

const (
	ledgerVersion = "1.0"
	saveDelay     = 5 * time.Second
)

// Tracker records per-service unit spend and enforces optional daily
// caps. Days roll over at midnight UTC.
type Tracker struct {
	mu     sync.Mutex
	data   LedgerData
	path   string
	limits map[string]int64
	dirty  bool
}

// NewTracker opens the ledger file at path, creating parent directories
// as needed. An unreadable ledger is logged and replaced rather than
// failing startup.
func NewTracker(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	t := &Tracker{
		path:   path,
		limits: make(map[string]int64),
		data: LedgerData{
			Version:  ledgerVersion,
			Services: make(map[string]ServiceUsage),
		},
	}
	if err := t.Load(); err != nil {
		logging.BootWarn("usage ledger %s unreadable, starting fresh: %v", path, err)
		t.data = LedgerData{
			Version:  ledgerVersion,
			Services: make(map[string]ServiceUsage),
		}
	}
	return t, nil
}

// SetLimit caps a service's daily spend. Zero or negative removes the cap.
func (t *Tracker) SetLimit(service string, units int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if units <= 0 {
		delete(t.limits, service)
		return
	}
	t.limits[service] = units
}

// Load reads the ledger from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}
	if t.data.Services == nil {
		t.data.Services = make(map[string]ServiceUsage)
	}
	return nil
}

// Save writes the ledger to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.path, data, 0644)
}

// Reserve debits units against the service's daily budget and reports
// whether the budget covered them. A refused reserve debits nothing.
func (t *Tracker) Reserve(service string, units int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.todayLocked(service)
	if limit, ok := t.limits[service]; ok && entry.Used+units > limit {
		return false
	}
	entry.Used += units
	entry.Calls++
	entry.Lifetime += units
	t.data.Services[service] = entry

	// Debounced auto-save so a burst of reservations costs one write.
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(saveDelay, func() {
			t.Save()
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
	return true
}

// Remaining reports the units left in the service's daily budget, or -1
// when the service has no cap.
func (t *Tracker) Remaining(service string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, ok := t.limits[service]
	if !ok {
		return -1
	}
	left := limit - t.todayLocked(service).Used
	if left < 0 {
		return 0
	}
	return left
}

// UsedToday reports the units a service has consumed since midnight UTC.
func (t *Tracker) UsedToday(service string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.todayLocked(service).Used
}

// Snapshot returns a copy of every known service's current-day usage.
func (t *Tracker) Snapshot() map[string]ServiceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ServiceUsage, len(t.data.Services))
	for service := range t.data.Services {
		out[service] = t.todayLocked(service)
	}
	return out
}

// todayLocked returns the service's entry for the current UTC day,
// resetting the daily counters when the stored day has passed. The
// caller persists the entry back if it mutates it.
func (t *Tracker) todayLocked(service string) ServiceUsage {
	day := time.Now().UTC().Format("2006-01-02")
	entry := t.data.Services[service]
	if entry.Day != day {
		entry = ServiceUsage{Day: day, Lifetime: entry.Lifetime}
	}
	return entry
}
