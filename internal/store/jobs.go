package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Job Queue ==========

// EnqueueJob inserts a new pending job.
func (s *Store) EnqueueJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON sql.NullString
	if job.Payload != nil {
		data, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal job payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(data), Valid: true}
	}

	scheduledFor := job.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = time.Now().UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	_, err := s.db.Exec(
		`INSERT INTO job_queue (id, queue_name, job_type, payload, priority, status, max_attempts, scheduled_for)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		job.ID, job.QueueName, job.JobType, payloadJSON, job.Priority, maxAttempts, scheduledFor,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	logging.Queue("Enqueued %s job %s on %s (priority=%d)", job.JobType, job.ID, job.QueueName, job.Priority)
	return nil
}

// ClaimJob leases the next runnable job for a worker. Expired leases are
// released first so crashed workers do not strand work. Returns nil when
// nothing is claimable.
func (s *Store) ClaimJob(queueName, workerID string, lockTimeout time.Duration) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Release leases older than the lock timeout.
	_, err := s.db.Exec(
		`UPDATE job_queue SET status = 'pending', locked_at = NULL, locked_by = NULL
		 WHERE status = 'processing' AND locked_at IS NOT NULL AND locked_at < ?`,
		now.Add(-lockTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired leases: %w", err)
	}

	var jobID string
	err = s.db.QueryRow(
		`SELECT id FROM job_queue
		 WHERE queue_name = ? AND status = 'pending' AND dead_letter = 0 AND scheduled_for <= ?
		 ORDER BY priority DESC, scheduled_for ASC
		 LIMIT 1`,
		queueName, now,
	).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job: %w", err)
	}

	// Guarded update: a concurrent claimer loses the race and claims nothing.
	res, err := s.db.Exec(
		`UPDATE job_queue
		 SET status = 'processing', locked_at = ?, locked_by = ?, attempts = attempts + 1
		 WHERE id = ? AND status = 'pending'`,
		now, workerID, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	return s.getJobLocked(jobID)
}

// GetJob loads one job by id.
func (s *Store) GetJob(jobID string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getJobLocked(jobID)
}

func (s *Store) getJobLocked(jobID string) (*types.Job, error) {
	row := s.db.QueryRow(
		`SELECT id, queue_name, job_type, payload, priority, status, attempts, max_attempts,
		        dead_letter, scheduled_for, locked_at, locked_by, last_error, created_at, completed_at
		 FROM job_queue WHERE id = ?`,
		jobID,
	)

	var job types.Job
	var status string
	var payloadJSON, lockedBy, lastError sql.NullString
	var deadLetter int
	var lockedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.QueueName, &job.JobType, &payloadJSON, &job.Priority, &status,
		&job.Attempts, &job.MaxAttempts, &deadLetter, &job.ScheduledFor,
		&lockedAt, &lockedBy, &lastError, &job.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job.Status = types.JobStatus(status)
	job.DeadLetter = deadLetter != 0
	job.LockedAt = nullTime(lockedAt)
	job.LockedBy = lockedBy.String
	job.LastError = lastError.String
	job.CompletedAt = nullTime(completedAt)
	if payloadJSON.Valid && payloadJSON.String != "" {
		json.Unmarshal([]byte(payloadJSON.String), &job.Payload)
	}
	return &job, nil
}

// CompleteJob marks a job done and releases its lease holder. locked_at is
// kept as the processing start stamp for the queue statistics.
func (s *Store) CompleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE job_queue
		 SET status = 'completed', completed_at = ?, locked_by = NULL
		 WHERE id = ?`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	logging.Queue("Job %s completed", jobID)
	return nil
}

// RetryJob returns a failed job to pending, scheduled for a later attempt.
func (s *Store) RetryJob(jobID, errMsg string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	_, err := s.db.Exec(
		`UPDATE job_queue
		 SET status = 'pending', scheduled_for = ?, last_error = ?, locked_at = NULL, locked_by = NULL
		 WHERE id = ?`,
		retryAt.UTC(), errMsg, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	logging.Queue("Job %s rescheduled for %s: %s", jobID, retryAt.UTC().Format(time.RFC3339), errMsg)
	return nil
}

// DeadLetterJob parks a job permanently after exhausted attempts.
func (s *Store) DeadLetterJob(jobID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	_, err := s.db.Exec(
		`UPDATE job_queue
		 SET status = 'failed', dead_letter = 1, last_error = ?, locked_at = NULL, locked_by = NULL
		 WHERE id = ?`,
		errMsg, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	logging.QueueWarn("Job %s dead-lettered: %s", jobID, errMsg)
	return nil
}

// RequeueDeadLetter revives a dead-lettered job with fresh attempts.
func (s *Store) RequeueDeadLetter(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE job_queue
		 SET status = 'pending', dead_letter = 0, attempts = 0, last_error = NULL,
		     scheduled_for = ?, locked_at = NULL, locked_by = NULL
		 WHERE id = ? AND dead_letter = 1`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not dead-lettered", jobID)
	}
	logging.Queue("Job %s requeued from dead letter", jobID)
	return nil
}

// ListDeadLetterJobs returns parked jobs, newest first.
func (s *Store) ListDeadLetterJobs(queueName string, limit int) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id FROM job_queue
		 WHERE queue_name = ? AND dead_letter = 1
		 ORDER BY created_at DESC LIMIT ?`,
		queueName, limit,
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

	jobs := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.getJobLocked(id)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// QueueStats summarizes a queue: counts per status plus average processing
// seconds over completed jobs.
type QueueStats struct {
	Counts            map[types.JobStatus]int `json:"counts"`
	DeadLetter        int                     `json:"dead_letter"`
	AvgProcessingSecs float64                 `json:"avg_processing_seconds"`
}

// GetQueueStats computes queue statistics.
func (s *Store) GetQueueStats(queueName string) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &QueueStats{Counts: make(map[types.JobStatus]int)}

	rows, err := s.db.Query(
		"SELECT status, COUNT(*) FROM job_queue WHERE queue_name = ? GROUP BY status",
		queueName,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		stats.Counts[types.JobStatus(status)] = n
	}
	rows.Close()

	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM job_queue WHERE queue_name = ? AND dead_letter = 1",
		queueName,
	).Scan(&stats.DeadLetter); err != nil {
		return nil, err
	}

	// completed_at - locked_at is the handler's wall time.
	var avg sql.NullFloat64
	err = s.db.QueryRow(
		`SELECT AVG((julianday(completed_at) - julianday(locked_at)) * 86400.0)
		 FROM job_queue
		 WHERE queue_name = ? AND status = 'completed' AND completed_at IS NOT NULL AND locked_at IS NOT NULL`,
		queueName,
	).Scan(&avg)
	if err == nil && avg.Valid {
		stats.AvgProcessingSecs = avg.Float64
	}

	return stats, nil
}
