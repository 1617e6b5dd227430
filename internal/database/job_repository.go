package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

const jobColumns = `id, type, payload, user_id, status, attempts, max_attempts, last_error, error_kind,
	enqueued_at, visible_at, locked_by, locked_until, completed_at, updated_at`

// JobRepository is the PostgreSQL storage behind the job queue.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a queued job that is visible immediately.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO jobs (id, type, payload, user_id, status, max_attempts)
		VALUES ($1, $2, $3, $4, 'queued', $5)
		RETURNING status, enqueued_at, visible_at, updated_at`,
		job.ID, job.Type, []byte(job.Payload), job.UserID, job.MaxAttempts,
	).Scan(&job.Status, &job.EnqueuedAt, &job.VisibleAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID returns one job.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Claim locks the oldest visible queued job for workerID. It returns (nil, nil) when
// nothing is eligible. SKIP LOCKED lets concurrent workers claim disjoint rows.
func (r *JobRepository) Claim(ctx context.Context, workerID string, visibility time.Duration) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, `
		UPDATE jobs SET
			status = 'running',
			attempts = attempts + 1,
			locked_by = $1,
			locked_until = NOW() + ($2 * INTERVAL '1 millisecond'),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND visible_at <= NOW()
			ORDER BY visible_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, workerID, millis(visibility))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

// Complete marks the job completed while workerID still holds its lock.
func (r *JobRepository) Complete(ctx context.Context, id, workerID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'completed',
			completed_at = NOW(),
			locked_by = NULL,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $2`, id, workerID)
	if err = execRequireRows(result, err, domain.ErrLockLost); err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			return err
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailParams describes a failed attempt.
type FailParams struct {
	ID          string
	WorkerID    string
	Retryable   bool
	LastError   string
	ErrorKind   string
	BackoffBase time.Duration
}

// FailResult is the state the job moved to.
type FailResult struct {
	Status    domain.JobStatus `db:"status"`
	Attempts  int              `db:"attempts"`
	VisibleAt time.Time        `db:"visible_at"`
}

// Fail records the error and either re-queues the job with exponential backoff
// (visible_at = NOW() + 2^attempts * base) or fails it terminally. The decision is
// made in one statement so attempts cannot change underneath it.
func (r *JobRepository) Fail(ctx context.Context, p FailParams) (*FailResult, error) {
	var res FailResult
	err := r.db.GetContext(ctx, &res, `
		UPDATE jobs SET
			status = CASE WHEN $3 AND attempts < max_attempts THEN 'queued' ELSE 'failed' END,
			visible_at = CASE WHEN $3 AND attempts < max_attempts
				THEN NOW() + POWER(2, attempts) * ($4 * INTERVAL '1 millisecond')
				ELSE visible_at END,
			last_error = $5,
			error_kind = $6,
			locked_by = NULL,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
		RETURNING status, attempts, visible_at`,
		p.ID, p.WorkerID, p.Retryable, millis(p.BackoffBase), p.LastError, p.ErrorKind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLockLost
		}
		return nil, fmt.Errorf("failed to record job failure: %w", err)
	}
	return &res, nil
}

// RecoverExpired releases running jobs whose lock has passed. Jobs with attempts left go
// back to queued; the rest fail with expiredKind.
func (r *JobRepository) RecoverExpired(ctx context.Context, expiredKind string) (requeued, failed int, err error) {
	var statuses []domain.JobStatus
	err = r.db.SelectContext(ctx, &statuses, `
		WITH expired AS (
			SELECT id FROM jobs
			WHERE status = 'running' AND locked_until < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status = CASE WHEN j.attempts < j.max_attempts THEN 'queued' ELSE 'failed' END,
			error_kind = CASE WHEN j.attempts < j.max_attempts THEN j.error_kind ELSE $1 END,
			last_error = CASE WHEN j.attempts < j.max_attempts THEN j.last_error
				ELSE 'lock expired after ' || j.attempts || ' attempts' END,
			visible_at = NOW(),
			locked_by = NULL,
			locked_until = NULL,
			updated_at = NOW()
		FROM expired
		WHERE j.id = expired.id
		RETURNING j.status`, expiredKind)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to recover expired jobs: %w", err)
	}

	for _, s := range statuses {
		if s == domain.JobQueued {
			requeued++
		} else {
			failed++
		}
	}
	return requeued, failed, nil
}

// Requeue resets a failed job for another full set of attempts.
func (r *JobRepository) Requeue(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'queued',
			attempts = 0,
			last_error = NULL,
			error_kind = NULL,
			visible_at = NOW(),
			completed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err = execRequireRows(result, err, domain.ErrJobNotFound); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// DeleteCompletedBefore purges completed jobs older than cutoff.
func (r *JobRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed jobs: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus counts jobs in each status.
func (r *JobRepository) CountByStatus(ctx context.Context) (*domain.JobStats, error) {
	var stats domain.JobStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued')    AS queued,
			COUNT(*) FILTER (WHERE status = 'running')   AS running,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')    AS failed
		FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return &stats, nil
}

// HasPendingHarvest reports whether a queued or running HARVEST_SOURCE job targets sourceID.
func (r *JobRepository) HasPendingHarvest(ctx context.Context, sourceID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE type = $1 AND status IN ('queued', 'running') AND payload ->> 'sourceId' = $2
		)`, domain.JobHarvestSource, sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to check pending harvest: %w", err)
	}
	return exists, nil
}

// ListJobsParams filters List.
type ListJobsParams struct {
	Status domain.JobStatus
	Type   domain.JobType
	Limit  int
}

// List returns recent jobs, newest first.
func (r *JobRepository) List(ctx context.Context, params ListJobsParams) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)
		ORDER BY enqueued_at DESC LIMIT $3`

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	jobs := make([]*domain.Job, 0, limit)
	if err := r.db.SelectContext(ctx, &jobs, query, string(params.Status), string(params.Type), limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
