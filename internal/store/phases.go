package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Phase Status ==========

// InitPhases writes one phase status row per phase in the DAG. Enabled phases
// start `pending`, disabled ones `skipped`. Rows already in a terminal state
// are preserved so resume does not re-run finished work.
func (s *Store) InitPhases(runID string, enabled func(types.PhaseName) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, phase := range types.AllPhases {
		var existing string
		err := s.db.QueryRow(
			"SELECT status FROM pipeline_phase_status WHERE pipeline_execution_id = ? AND phase_name = ?",
			runID, string(phase),
		).Scan(&existing)

		initial := types.PhasePending
		var skipReason sql.NullString
		if !enabled(phase) {
			initial = types.PhaseSkipped
			skipReason = sql.NullString{String: "disabled by configuration", Valid: true}
		}

		switch {
		case err == sql.ErrNoRows:
			if _, err := s.db.Exec(
				`INSERT INTO pipeline_phase_status (pipeline_execution_id, phase_name, status, skip_reason)
				 VALUES (?, ?, ?, ?)`,
				runID, string(phase), string(initial), skipReason,
			); err != nil {
				return fmt.Errorf("failed to init phase %s: %w", phase, err)
			}
		case err != nil:
			return fmt.Errorf("failed to check phase %s: %w", phase, err)
		default:
			if types.PhaseState(existing).Terminal() {
				continue // preserve completed/failed/skipped/blocked across resume
			}
			if _, err := s.db.Exec(
				`UPDATE pipeline_phase_status SET status = ?, skip_reason = ?, updated_at = CURRENT_TIMESTAMP
				 WHERE pipeline_execution_id = ? AND phase_name = ?`,
				string(initial), skipReason, runID, string(phase),
			); err != nil {
				return fmt.Errorf("failed to reset phase %s: %w", phase, err)
			}
		}
	}

	logging.State("Initialized phase rows for run %s", runID)
	return nil
}

// GetPhaseStatus loads one (run, phase) row.
func (s *Store) GetPhaseStatus(runID string, phase types.PhaseName) (*types.PhaseStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPhaseStatusLocked(runID, phase)
}

func (s *Store) getPhaseStatusLocked(runID string, phase types.PhaseName) (*types.PhaseStatus, error) {
	row := s.db.QueryRow(
		`SELECT status, result, error, skip_reason, started_at, completed_at, updated_at
		 FROM pipeline_phase_status WHERE pipeline_execution_id = ? AND phase_name = ?`,
		runID, string(phase),
	)

	ps := types.PhaseStatus{RunID: runID, Phase: phase}
	var state string
	var resultJSON, errMsg, skipReason sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&state, &resultJSON, &errMsg, &skipReason, &startedAt, &completedAt, &ps.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase %s not initialized for run %s", phase, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load phase status: %w", err)
	}

	ps.State = types.PhaseState(state)
	ps.Message = errMsg.String
	ps.StartedAt = nullTime(startedAt)
	ps.CompletedAt = nullTime(completedAt)
	if resultJSON.Valid && resultJSON.String != "" {
		json.Unmarshal([]byte(resultJSON.String), &ps.Result)
	}
	if skipReason.Valid && skipReason.String != "" {
		ps.SkipReasons = strings.Split(skipReason.String, "; ")
	}
	return &ps, nil
}

// ListPhaseStatuses returns every phase row for a run in DAG order.
func (s *Store) ListPhaseStatuses(runID string) ([]types.PhaseStatus, error) {
	statuses := make([]types.PhaseStatus, 0, len(types.AllPhases))
	for _, phase := range types.AllPhases {
		ps, err := s.GetPhaseStatus(runID, phase)
		if err != nil {
			continue
		}
		statuses = append(statuses, *ps)
	}
	return statuses, nil
}

// MarkPhaseRunning transitions a phase to running and stamps started_at.
func (s *Store) MarkPhaseRunning(runID string, phase types.PhaseName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE pipeline_phase_status
		 SET status = ?, started_at = ?, error = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE pipeline_execution_id = ? AND phase_name = ?`,
		string(types.PhaseRunning), time.Now().UTC(), runID, string(phase),
	)
	if err != nil {
		return fmt.Errorf("failed to mark phase running: %w", err)
	}
	logging.State("Phase %s running (run %s)", phase, runID)
	return nil
}

// maxPhaseResultBytes bounds the result column. Oversized payloads are
// replaced with a key summary so one runaway handler cannot bloat the row.
const maxPhaseResultBytes = 5 << 20

// MarkPhaseCompleted transitions a phase to completed with its result payload.
func (s *Store) MarkPhaseCompleted(runID string, phase types.PhaseName, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal phase result: %w", err)
		}
		if len(data) > maxPhaseResultBytes {
			keys := make([]string, 0, len(result))
			for k := range result {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			summary := map[string]any{"summarized": true, "original_bytes": len(data), "keys": keys}
			if data, err = json.Marshal(summary); err != nil {
				return fmt.Errorf("failed to marshal phase result summary: %w", err)
			}
			logging.StateWarn("Phase %s result (run %s) exceeded %d bytes, stored a key summary",
				phase, runID, maxPhaseResultBytes)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(
		`UPDATE pipeline_phase_status
		 SET status = ?, result = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE pipeline_execution_id = ? AND phase_name = ?`,
		string(types.PhaseCompleted), resultJSON, time.Now().UTC(), runID, string(phase),
	)
	if err != nil {
		return fmt.Errorf("failed to mark phase completed: %w", err)
	}
	logging.State("Phase %s completed (run %s)", phase, runID)
	return nil
}

// MarkPhaseFailed transitions a phase to failed, recording the error.
func (s *Store) MarkPhaseFailed(runID string, phase types.PhaseName, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	_, err := s.db.Exec(
		`UPDATE pipeline_phase_status
		 SET status = ?, error = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE pipeline_execution_id = ? AND phase_name = ?`,
		string(types.PhaseFailed), errMsg, time.Now().UTC(), runID, string(phase),
	)
	if err != nil {
		return fmt.Errorf("failed to mark phase failed: %w", err)
	}
	logging.StateWarn("Phase %s failed (run %s): %s", phase, runID, errMsg)
	return nil
}

// MarkPhaseSkipped transitions a phase to skipped with reasons.
func (s *Store) MarkPhaseSkipped(runID string, phase types.PhaseName, reasons []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE pipeline_phase_status
		 SET status = ?, skip_reason = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE pipeline_execution_id = ? AND phase_name = ?`,
		string(types.PhaseSkipped), strings.Join(reasons, "; "), time.Now().UTC(), runID, string(phase),
	)
	if err != nil {
		return fmt.Errorf("failed to mark phase skipped: %w", err)
	}
	logging.State("Phase %s skipped (run %s): %s", phase, runID, strings.Join(reasons, "; "))
	return nil
}

// MarkPhaseBlocked transitions a pending phase to blocked. Used for cascade
// after an upstream failure; phases already terminal are left alone.
func (s *Store) MarkPhaseBlocked(runID string, phase types.PhaseName, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE pipeline_phase_status
		 SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE pipeline_execution_id = ? AND phase_name = ? AND status = 'pending'`,
		string(types.PhaseBlocked), reason, runID, string(phase),
	)
	if err != nil {
		return fmt.Errorf("failed to mark phase blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.StateWarn("Phase %s blocked (run %s): %s", phase, runID, reason)
	}
	return nil
}

// PhaseStateCounts tallies phase rows by state for one run.
func (s *Store) PhaseStateCounts(runID string) (map[types.PhaseState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT status, COUNT(*) FROM pipeline_phase_status WHERE pipeline_execution_id = ? GROUP BY status",
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.PhaseState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			continue
		}
		counts[types.PhaseState(state)] = n
	}
	return counts, nil
}
