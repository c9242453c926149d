package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Per-Item State Tracking ==========

// StateItemSeed is the input to bulk item initialization.
type StateItemSeed struct {
	ItemID   string
	ItemType types.ItemType
}

// InitStateItems bulk-inserts tracking rows for a (run, phase), skipping
// identifiers that already exist. Re-initialization never resets status.
func (s *Store) InitStateItems(runID string, phase types.PhaseName, items []StateItemSeed) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO pipeline_state
		 (pipeline_execution_id, phase_name, item_identifier, item_type, status)
		 VALUES (?, ?, ?, ?, 'pending')`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, item := range items {
		res, err := stmt.Exec(runID, string(phase), item.ItemID, string(item.ItemType))
		if err != nil {
			return inserted, fmt.Errorf("failed to insert state item %s: %w", item.ItemID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("failed to commit state items: %w", err)
	}

	logging.State("Initialized %d/%d items for %s (run %s)", inserted, len(items), phase, runID)
	return inserted, nil
}

// GetPendingItems returns pending items ordered so least-attempted work goes
// first.
func (s *Store) GetPendingItems(runID string, phase types.PhaseName, limit int) ([]types.StateItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, item_identifier, item_type, status, attempt_count,
		        last_attempt_at, completed_at, last_error, error_category, progress_data, created_at
		 FROM pipeline_state
		 WHERE pipeline_execution_id = ? AND phase_name = ? AND status = 'pending'
		 ORDER BY attempt_count ASC, created_at ASC
		 LIMIT ?`,
		runID, string(phase), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanStateItems(rows, runID, phase)
}

// GetStateItem loads one tracked item by natural key.
func (s *Store) GetStateItem(runID string, phase types.PhaseName, itemID string) (*types.StateItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, item_identifier, item_type, status, attempt_count,
		        last_attempt_at, completed_at, last_error, error_category, progress_data, created_at
		 FROM pipeline_state
		 WHERE pipeline_execution_id = ? AND phase_name = ? AND item_identifier = ?`,
		runID, string(phase), itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanStateItems(rows, runID, phase)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("state item not found: %s", itemID)
	}
	return &items[0], nil
}

func scanStateItems(rows *sql.Rows, runID string, phase types.PhaseName) ([]types.StateItem, error) {
	var items []types.StateItem
	for rows.Next() {
		item := types.StateItem{RunID: runID, Phase: phase}
		var itemType, status string
		var lastAttempt, completedAt sql.NullTime
		var lastError, category, progressJSON sql.NullString

		if err := rows.Scan(
			&item.ID, &item.ItemID, &itemType, &status, &item.AttemptCount,
			&lastAttempt, &completedAt, &lastError, &category, &progressJSON, &item.CreatedAt,
		); err != nil {
			continue
		}

		item.ItemType = types.ItemType(itemType)
		item.Status = types.StateStatus(status)
		item.LastAttemptAt = nullTime(lastAttempt)
		item.CompletedAt = nullTime(completedAt)
		item.LastError = lastError.String
		item.ErrorCategory = category.String
		if progressJSON.Valid && progressJSON.String != "" {
			json.Unmarshal([]byte(progressJSON.String), &item.ProgressData)
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateStateItem transitions one item. Moving to `processing` bumps the
// attempt counter; moving to `completed` stamps completed_at. Errors are
// truncated to 1000 characters before storage.
func (s *Store) UpdateStateItem(stateID int64, status types.StateStatus, progress map[string]any, errMsg, errCategory string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}

	var progressJSON sql.NullString
	if progress != nil {
		data, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("failed to marshal progress: %w", err)
		}
		progressJSON = sql.NullString{String: string(data), Valid: true}
	}

	var err error
	switch status {
	case types.StateProcessing:
		_, err = s.db.Exec(
			`UPDATE pipeline_state
			 SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ?,
			     progress_data = COALESCE(?, progress_data)
			 WHERE id = ?`,
			string(status), time.Now().UTC(), progressJSON, stateID,
		)
	case types.StateCompleted:
		_, err = s.db.Exec(
			`UPDATE pipeline_state
			 SET status = ?, completed_at = ?, last_error = NULL, error_category = NULL,
			     progress_data = COALESCE(?, progress_data)
			 WHERE id = ?`,
			string(status), time.Now().UTC(), progressJSON, stateID,
		)
	default:
		_, err = s.db.Exec(
			`UPDATE pipeline_state
			 SET status = ?, last_error = ?, error_category = ?,
			     progress_data = COALESCE(?, progress_data)
			 WHERE id = ?`,
			string(status), nullString(errMsg), nullString(errCategory), progressJSON, stateID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update state item %d: %w", stateID, err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// PhaseItemProgress totals item statuses for a (run, phase).
func (s *Store) PhaseItemProgress(runID string, phase types.PhaseName) (*types.PhaseProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM pipeline_state
		 WHERE pipeline_execution_id = ? AND phase_name = ?
		 GROUP BY status`,
		runID, string(phase),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	progress := &types.PhaseProgress{ByStatus: make(map[types.StateStatus]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		progress.ByStatus[types.StateStatus(status)] = n
		progress.Total += n
	}

	if progress.Total > 0 {
		done := progress.ByStatus[types.StateCompleted] + progress.ByStatus[types.StateSkipped]
		progress.PercentDone = float64(done) / float64(progress.Total) * 100
	}
	return progress, nil
}

// ResetFailedItems bulk-transitions failed items back to pending with their
// counters cleared. maxItems <= 0 resets all; phase == "" resets every phase.
func (s *Store) ResetFailedItems(runID string, phase types.PhaseName, maxItems int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE pipeline_state
	          SET status = 'pending', attempt_count = 0, last_error = NULL, error_category = NULL
	          WHERE id IN (
	              SELECT id FROM pipeline_state
	              WHERE pipeline_execution_id = ? AND status = 'failed'`
	args := []interface{}{runID}

	if phase != "" {
		query += " AND phase_name = ?"
		args = append(args, string(phase))
	}
	query += " ORDER BY created_at"
	if maxItems > 0 {
		query += " LIMIT ?"
		args = append(args, maxItems)
	}
	query += ")"

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.State("Reset %d failed items (run %s, phase %q)", n, runID, phase)
	}
	return n, nil
}

// CompleteMatchingPending bulk-transitions pending items whose identifier
// matches the SQL LIKE pattern to completed, stamping shared progress data.
// Used when a batch operation finishes and the stragglers simply had nothing
// to report.
func (s *Store) CompleteMatchingPending(runID string, phase types.PhaseName, likePattern string, progress map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var progressJSON sql.NullString
	if progress != nil {
		data, err := json.Marshal(progress)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal progress: %w", err)
		}
		progressJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.Exec(
		`UPDATE pipeline_state
		 SET status = 'completed', completed_at = ?, progress_data = COALESCE(?, progress_data)
		 WHERE pipeline_execution_id = ? AND phase_name = ? AND status = 'pending'
		   AND item_identifier LIKE ?`,
		time.Now().UTC(), progressJSON, runID, string(phase), likePattern,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to complete pending items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.State("Completed %d pending items (run %s, phase %s, pattern %q)", n, runID, phase, likePattern)
	}
	return n, nil
}

// ========== Checkpoints ==========

// SaveCheckpoint upserts a named mid-phase checkpoint.
func (s *Store) SaveCheckpoint(runID string, phase types.PhaseName, name string, stateData map[string]any, itemsTotal, itemsDone int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dataJSON sql.NullString
	if stateData != nil {
		data, err := json.Marshal(stateData)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		dataJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO pipeline_checkpoints
		 (pipeline_execution_id, phase_name, checkpoint_name, state_data, items_total, items_done, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(pipeline_execution_id, phase_name, checkpoint_name) DO UPDATE SET
		 state_data = excluded.state_data,
		 items_total = excluded.items_total,
		 items_done = excluded.items_done,
		 updated_at = CURRENT_TIMESTAMP`,
		runID, string(phase), name, dataJSON, itemsTotal, itemsDone,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint; returns nil when none exists.
func (s *Store) GetCheckpoint(runID string, phase types.PhaseName, name string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT state_data, items_total, items_done, updated_at
		 FROM pipeline_checkpoints
		 WHERE pipeline_execution_id = ? AND phase_name = ? AND checkpoint_name = ?`,
		runID, string(phase), name,
	)

	cp := types.Checkpoint{RunID: runID, Phase: phase, Name: name}
	var dataJSON sql.NullString
	var total, done int
	err := row.Scan(&dataJSON, &total, &done, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if dataJSON.Valid && dataJSON.String != "" {
		json.Unmarshal([]byte(dataJSON.String), &cp.StateData)
	}
	cp.Counters = map[string]int{"items_total": total, "items_done": done}
	return &cp, nil
}
