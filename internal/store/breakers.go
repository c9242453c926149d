package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
)

// ========== Circuit Breakers ==========

// BreakerSnapshot is the persisted state of one service's circuit breaker.
type BreakerSnapshot struct {
	Service      string     `json:"service_name"`
	State        string     `json:"state"` // closed | open | half_open
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	HalfOpenedAt *time.Time `json:"half_opened_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SaveBreakerState upserts a breaker snapshot so restarts inherit the
// decision.
func (s *Store) SaveBreakerState(snap BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO circuit_breakers
		 (service_name, state, failure_count, success_count, opened_at, half_opened_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(service_name) DO UPDATE SET
		 state = excluded.state,
		 failure_count = excluded.failure_count,
		 success_count = excluded.success_count,
		 opened_at = excluded.opened_at,
		 half_opened_at = excluded.half_opened_at,
		 updated_at = CURRENT_TIMESTAMP`,
		snap.Service, snap.State, snap.FailureCount, snap.SuccessCount,
		timeOrNil(snap.OpenedAt), timeOrNil(snap.HalfOpenedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// LoadBreakerState returns the persisted snapshot for a service, or nil.
func (s *Store) LoadBreakerState(service string) (*BreakerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT service_name, state, failure_count, success_count, opened_at, half_opened_at, updated_at
		 FROM circuit_breakers WHERE service_name = ?`,
		service,
	)

	var snap BreakerSnapshot
	var openedAt, halfOpenedAt sql.NullTime
	err := row.Scan(&snap.Service, &snap.State, &snap.FailureCount, &snap.SuccessCount,
		&openedAt, &halfOpenedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}

	snap.OpenedAt = nullTime(openedAt)
	snap.HalfOpenedAt = nullTime(halfOpenedAt)
	return &snap, nil
}

// LoadAllBreakerStates returns every persisted breaker snapshot.
func (s *Store) LoadAllBreakerStates() ([]BreakerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT service_name, state, failure_count, success_count, opened_at, half_opened_at, updated_at
		 FROM circuit_breakers`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []BreakerSnapshot
	for rows.Next() {
		var snap BreakerSnapshot
		var openedAt, halfOpenedAt sql.NullTime
		if err := rows.Scan(&snap.Service, &snap.State, &snap.FailureCount, &snap.SuccessCount,
			&openedAt, &halfOpenedAt, &snap.UpdatedAt); err != nil {
			continue
		}
		snap.OpenedAt = nullTime(openedAt)
		snap.HalfOpenedAt = nullTime(halfOpenedAt)
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// ========== Error Categories ==========

// ErrorCategory is the persisted retry policy for one error code.
type ErrorCategory struct {
	Code          string   `json:"code"`
	IsRecoverable bool     `json:"is_recoverable"`
	RetryStrategy string   `json:"retry_strategy"` // exponential | linear | constant | none
	MaxRetries    int      `json:"max_retries"`
	BaseDelaySecs float64  `json:"base_delay_seconds"`
	MaxDelaySecs  float64  `json:"max_delay_seconds"`
	StatusCodes   []int    `json:"status_codes,omitempty"`
	Patterns      []string `json:"patterns,omitempty"`
}

// defaultErrorCategories seed the taxonomy shared across the system.
var defaultErrorCategories = []ErrorCategory{
	{Code: "TIMEOUT", IsRecoverable: true, RetryStrategy: "exponential", MaxRetries: 3, BaseDelaySecs: 2, MaxDelaySecs: 30,
		StatusCodes: []int{408, 504}, Patterns: []string{"timeout", "deadline exceeded"}},
	{Code: "RATE_LIMIT", IsRecoverable: true, RetryStrategy: "exponential", MaxRetries: 5, BaseDelaySecs: 5, MaxDelaySecs: 300,
		StatusCodes: []int{429}, Patterns: []string{"rate limit", "too many requests"}},
	{Code: "NETWORK_ERROR", IsRecoverable: true, RetryStrategy: "exponential", MaxRetries: 3, BaseDelaySecs: 2, MaxDelaySecs: 60,
		StatusCodes: []int{502, 503}, Patterns: []string{"network", "connection refused", "connection reset", "no such host"}},
	{Code: "AUTH", IsRecoverable: false, RetryStrategy: "none",
		StatusCodes: []int{401, 403}, Patterns: []string{"unauthorized", "forbidden", "invalid api key"}},
	{Code: "QUOTA_EXCEEDED", IsRecoverable: false, RetryStrategy: "none",
		Patterns: []string{"quota", "dailyLimitExceeded"}},
	{Code: "NOT_FOUND", IsRecoverable: false, RetryStrategy: "none",
		StatusCodes: []int{404}, Patterns: []string{"not found"}},
	{Code: "VALIDATION", IsRecoverable: false, RetryStrategy: "none",
		StatusCodes: []int{400, 422}, Patterns: []string{"validation", "invalid request"}},
	{Code: "CIRCUIT_OPEN", IsRecoverable: true, RetryStrategy: "constant", MaxRetries: 2, BaseDelaySecs: 60, MaxDelaySecs: 60,
		Patterns: []string{"circuit breaker is open"}},
	{Code: "DEPENDENCY_MISSING", IsRecoverable: false, RetryStrategy: "none",
		Patterns: []string{"dependency missing", "precondition"}},
	{Code: "UNKNOWN", IsRecoverable: true, RetryStrategy: "exponential", MaxRetries: 3, BaseDelaySecs: 1, MaxDelaySecs: 60},
}

// seedErrorCategories inserts the built-in taxonomy, leaving operator edits
// in place.
func (s *Store) seedErrorCategories() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cat := range defaultErrorCategories {
		codes, _ := json.Marshal(cat.StatusCodes)
		patterns, _ := json.Marshal(cat.Patterns)
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO error_categories
			 (code, is_recoverable, retry_strategy, max_retries, base_delay_seconds, max_delay_seconds, status_codes, patterns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cat.Code, boolToInt(cat.IsRecoverable), cat.RetryStrategy, cat.MaxRetries,
			cat.BaseDelaySecs, cat.MaxDelaySecs, string(codes), string(patterns),
		)
		if err != nil {
			return fmt.Errorf("failed to seed error category %s: %w", cat.Code, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListErrorCategories loads the full taxonomy.
func (s *Store) ListErrorCategories() ([]ErrorCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT code, is_recoverable, retry_strategy, max_retries, base_delay_seconds, max_delay_seconds, status_codes, patterns
		 FROM error_categories`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []ErrorCategory
	for rows.Next() {
		var cat ErrorCategory
		var recoverable int
		var codes, patterns sql.NullString
		if err := rows.Scan(&cat.Code, &recoverable, &cat.RetryStrategy, &cat.MaxRetries,
			&cat.BaseDelaySecs, &cat.MaxDelaySecs, &codes, &patterns); err != nil {
			continue
		}
		cat.IsRecoverable = recoverable != 0
		if codes.Valid && codes.String != "" {
			json.Unmarshal([]byte(codes.String), &cat.StatusCodes)
		}
		if patterns.Valid && patterns.String != "" {
			json.Unmarshal([]byte(patterns.String), &cat.Patterns)
		}
		cats = append(cats, cat)
	}
	return cats, nil
}

// ========== Retry History ==========

// RecordRetryAttempt logs one retry decision for observability.
func (s *Store) RecordRetryAttempt(runID string, phase, itemID, category string, attempt int, delaySecs float64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	_, err := s.db.Exec(
		`INSERT INTO retry_history
		 (pipeline_execution_id, phase_name, item_identifier, error_category, attempt, delay_seconds, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, phase, itemID, category, attempt, delaySecs, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	logging.RetryDebug("Recorded retry %d for %s/%s (%s, %.1fs)", attempt, phase, itemID, category, delaySecs)
	return nil
}

// RetryCountsByCategory tallies retries per category for a run.
func (s *Store) RetryCountsByCategory(runID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT error_category, COUNT(*) FROM retry_history
		 WHERE pipeline_execution_id = ? GROUP BY error_category`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			continue
		}
		counts[category] = n
	}
	return counts, nil
}
