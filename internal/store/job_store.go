package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// ErrJobNotFound is returned when a job is not found in the database.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
       created_at, updated_at, scheduled_for, last_error, retry_after, completed_at, worker_id`

// JobStore persists maintenance jobs.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a JobStore.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

// Enqueue inserts job and fills in its id and timestamps.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for)
VALUES ($1, $2, 'pending', $3, $4, $5)
RETURNING id, status, created_at, updated_at`,
		job.JobType,
		job.Payload,
		string(job.Priority),
		job.MaxAttempts,
		timeOrNull(job.ScheduledFor),
	).Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// GetByID loads one job.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next runnable job. It returns nil when the
// queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'processing',
    worker_id = $1,
    updated_at = NOW(),
    attempts = attempts + 1
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
	  AND (retry_after IS NULL OR retry_after <= NOW())
	ORDER BY
		CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END DESC,
		created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// HasPending reports whether a pending or running job of jobType exists.
func (s *JobStore) HasPending(ctx context.Context, jobType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM jobs WHERE job_type = $1 AND status IN ('pending', 'processing'))`,
		jobType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending jobs: %w", err)
	}
	return exists, nil
}

// MarkCompleted marks a job as done.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	return s.exec(ctx, "mark job completed", `
UPDATE jobs
SET status = 'completed', completed_at = NOW(), updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id)
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	return s.exec(ctx, "mark job failed", `
UPDATE jobs
SET status = 'failed', last_error = $2, updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id, errorMsg)
}

// ScheduleRetry puts a job back in the queue after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	return s.exec(ctx, "schedule job retry", `
UPDATE jobs
SET status = 'pending', last_error = $2, retry_after = $3, updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id, errorMsg, retryAfter)
}

// ReleaseJob returns a processing job to pending during shutdown.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	return s.exec(ctx, "release job", `
UPDATE jobs
SET status = 'pending', worker_id = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id)
}

// CancelJob cancels a pending or failed job.
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'cancelled', updated_at = NOW(), worker_id = NULL
WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: job %d cannot be cancelled", ErrJobNotFound, id)
	}
	return nil
}

// GetStats counts jobs by status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'processing'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'cancelled')
FROM jobs`).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// CleanupOldJobs deletes finished jobs older than olderThan. Jobs are bookkeeping
// only; entitlement history is never deleted.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled')
  AND updated_at < NOW() - INTERVAL '1 second' * $1`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *JobStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		priority     string
		scheduledFor sql.NullTime
		lastError    sql.NullString
		retryAfter   sql.NullTime
		completedAt  sql.NullTime
		workerID     sql.NullString
	)
	if err := row.Scan(&job.ID, &job.JobType, &job.Payload, &status, &priority, &job.Attempts,
		&job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt, &scheduledFor, &lastError,
		&retryAfter, &completedAt, &workerID); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.Priority = models.JobPriority(priority)
	job.ScheduledFor = nullTimePtr(scheduledFor)
	job.LastError = nullStringPtr(lastError)
	job.RetryAfter = nullTimePtr(retryAfter)
	job.CompletedAt = nullTimePtr(completedAt)
	job.WorkerID = nullStringPtr(workerID)
	return &job, nil
}
