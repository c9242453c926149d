package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Pipeline Executions ==========

// CreateRun inserts a new pipeline execution row.
func (s *Store) CreateRun(run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO pipeline_executions (id, client_id, mode, status, config, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ClientID, string(run.Mode), string(run.Status), string(configJSON), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	logging.Store("Created run %s for client %s (mode=%s)", run.ID, run.ClientID, run.Mode)
	return nil
}

// GetRun loads a pipeline execution by id.
func (s *Store) GetRun(runID string) (*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, client_id, mode, status, config,
		        keywords_processed, serp_results_collected, companies_enriched,
		        videos_enriched, content_analyzed, landscapes_calculated,
		        phase_results, errors, warnings, started_at, completed_at
		 FROM pipeline_executions WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*types.PipelineRun, error) {
	var run types.PipelineRun
	var mode, status string
	var configJSON, phaseResults, errorsJSON, warningsJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.ClientID, &mode, &status, &configJSON,
		&run.Counters.KeywordsProcessed, &run.Counters.SerpResultsCollected,
		&run.Counters.CompaniesEnriched, &run.Counters.VideosEnriched,
		&run.Counters.ContentAnalyzed, &run.Counters.LandscapesCalculated,
		&phaseResults, &errorsJSON, &warningsJSON, &run.StartedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	run.Mode = types.RunMode(mode)
	run.Status = types.RunStatus(status)
	run.CompletedAt = nullTime(completedAt)
	if configJSON.Valid && configJSON.String != "" {
		json.Unmarshal([]byte(configJSON.String), &run.Config)
	}
	if phaseResults.Valid && phaseResults.String != "" {
		json.Unmarshal([]byte(phaseResults.String), &run.PhaseResults)
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		json.Unmarshal([]byte(errorsJSON.String), &run.Errors)
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		json.Unmarshal([]byte(warningsJSON.String), &run.Warnings)
	}
	return &run, nil
}

// UpdateRunStatus transitions a run's status, stamping completed_at on
// terminal transitions.
func (s *Store) UpdateRunStatus(runID string, status types.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if status.Terminal() {
		_, err = s.db.Exec(
			"UPDATE pipeline_executions SET status = ?, completed_at = ? WHERE id = ?",
			string(status), time.Now().UTC(), runID,
		)
	} else {
		_, err = s.db.Exec(
			"UPDATE pipeline_executions SET status = ?, completed_at = NULL WHERE id = ?",
			string(status), runID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	logging.Pipeline("Run %s -> %s", runID, status)
	return nil
}

// IncrementRunCounter adds delta to one of the aggregate counters. Counters
// never decrease; negative deltas are ignored.
func (s *Store) IncrementRunCounter(runID, counter string, delta int) error {
	if delta <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := map[string]bool{
		"keywords_processed": true, "serp_results_collected": true,
		"companies_enriched": true, "videos_enriched": true,
		"content_analyzed": true, "landscapes_calculated": true,
	}
	if !allowed[counter] {
		return fmt.Errorf("unknown run counter: %s", counter)
	}

	query := fmt.Sprintf("UPDATE pipeline_executions SET %s = %s + ? WHERE id = ?", counter, counter)
	_, err := s.db.Exec(query, delta, runID)
	return err
}

// AppendRunError appends to the run's error list, truncating each entry.
func (s *Store) AppendRunError(runID, message string) error {
	return s.appendRunList(runID, "errors", message)
}

// AppendRunWarning appends to the run's warning list.
func (s *Store) AppendRunWarning(runID, message string) error {
	return s.appendRunList(runID, "warnings", message)
}

func (s *Store) appendRunList(runID, column, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(message) > 1000 {
		message = message[:1000]
	}

	var existing sql.NullString
	query := fmt.Sprintf("SELECT %s FROM pipeline_executions WHERE id = ?", column)
	if err := s.db.QueryRow(query, runID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to load run %s: %w", column, err)
	}

	var list []string
	if existing.Valid && existing.String != "" {
		json.Unmarshal([]byte(existing.String), &list)
	}
	list = append(list, message)

	data, _ := json.Marshal(list)
	update := fmt.Sprintf("UPDATE pipeline_executions SET %s = ? WHERE id = ?", column)
	_, err := s.db.Exec(update, string(data), runID)
	return err
}

// SaveRunPhaseResults stores the bounded phase result summary on the run row.
func (s *Store) SaveRunPhaseResults(runID string, results map[string]types.PhaseResultSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal phase results: %w", err)
	}
	_, err = s.db.Exec("UPDATE pipeline_executions SET phase_results = ? WHERE id = ?", string(data), runID)
	return err
}

// ListRecentRuns returns the newest runs first.
func (s *Store) ListRecentRuns(limit int) ([]*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id FROM pipeline_executions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()

	runs := make([]*types.PipelineRun, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRow(
			`SELECT id, client_id, mode, status, config,
			        keywords_processed, serp_results_collected, companies_enriched,
			        videos_enriched, content_analyzed, landscapes_calculated,
			        phase_results, errors, warnings, started_at, completed_at
			 FROM pipeline_executions WHERE id = ?`, id,
		)
		run, err := scanRun(row)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// InterruptedRuns returns runs left in `running` by a previous process, used
// for resume-on-startup.
func (s *Store) InterruptedRuns() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id FROM pipeline_executions WHERE status = 'running' ORDER BY started_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteAllRuns clears run history and its per-run tracking tables. Shared
// artifact tables (serp_results, scraped_content, company_profiles) are kept.
func (s *Store) DeleteAllRuns() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM pipeline_executions")
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, _ := res.RowsAffected()

	for _, table := range []string{"pipeline_phase_status", "pipeline_state", "pipeline_checkpoints", "dsi_scores"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return n, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	logging.Store("Cleared pipeline history (%d runs)", n)
	return n, nil
}
