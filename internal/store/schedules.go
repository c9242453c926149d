package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Schedules ==========

// CreateSchedule registers a recurring pipeline and returns its id.
func (s *Store) CreateSchedule(sched types.Schedule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schedule config: %w", err)
	}

	nextRun := sched.NextRunAt
	if nextRun.IsZero() {
		nextRun = time.Now().UTC()
	}

	res, err := s.db.Exec(
		`INSERT INTO schedules (client_id, frequency, config, enabled, next_run_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sched.ClientID, string(sched.Frequency), string(configJSON), boolToInt(sched.Enabled), nextRun,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create schedule: %w", err)
	}

	id, _ := res.LastInsertId()
	logging.Sched("Created %s schedule %d for client %s", sched.Frequency, id, sched.ClientID)
	return id, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(now time.Time) ([]types.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, client_id, frequency, config, enabled, run_count, last_run_at, next_run_at
		 FROM schedules
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`,
		now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules() ([]types.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, client_id, frequency, config, enabled, run_count, last_run_at, next_run_at
		 FROM schedules ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]types.Schedule, error) {
	var out []types.Schedule
	for rows.Next() {
		var sched types.Schedule
		var freq string
		var configJSON sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.ClientID, &freq, &configJSON,
			&enabled, &sched.RunCount, &lastRun, &nextRun); err != nil {
			continue
		}
		sched.Frequency = types.ScheduleFrequency(freq)
		sched.Enabled = enabled != 0
		sched.LastRunAt = nullTime(lastRun)
		if nextRun.Valid {
			sched.NextRunAt = nextRun.Time
		}
		if configJSON.Valid && configJSON.String != "" {
			json.Unmarshal([]byte(configJSON.String), &sched.Config)
		}
		out = append(out, sched)
	}
	return out, nil
}

// MarkScheduleFired bumps run_count and advances next_run_at.
func (s *Store) MarkScheduleFired(scheduleID int64, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE schedules
		 SET run_count = run_count + 1, last_run_at = ?, next_run_at = ?
		 WHERE id = ?`,
		time.Now().UTC(), nextRunAt.UTC(), scheduleID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark schedule fired: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips a schedule on or off.
func (s *Store) SetScheduleEnabled(scheduleID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE schedules SET enabled = ? WHERE id = ?",
		boolToInt(enabled), scheduleID,
	)
	return err
}
