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

const runColumns = `id, source_id, status, started_at, finished_at, items_found, items_created,
	items_enqueued, items_skipped, error_kind, error_message`

// RunRepository persists harvest runs (parse history).
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a running run. The partial unique index on running runs turns a
// concurrent second start for the same source into ErrRunAlreadyInProgress.
func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO parse_runs (id, source_id, status)
		VALUES ($1, $2, 'running')
		RETURNING status, started_at`,
		run.ID, run.SourceID,
	).Scan(&run.Status, &run.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrRunAlreadyInProgress
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishParams is the final accounting written by Finish.
type FinishParams struct {
	ID           string
	Status       domain.RunStatus
	Found        int
	Created      int
	Enqueued     int
	Skipped      domain.SkipCounts
	ErrorKind    string
	ErrorMessage string
}

// Finish finalizes a running run. A run that already left running is never touched.
func (r *RunRepository) Finish(ctx context.Context, p FinishParams) (*domain.Run, error) {
	var run domain.Run
	err := r.db.GetContext(ctx, &run, `
		UPDATE parse_runs SET
			status = $2,
			finished_at = NOW(),
			items_found = $3,
			items_created = $4,
			items_enqueued = $5,
			items_skipped = $6,
			error_kind = $7,
			error_message = $8
		WHERE id = $1 AND status = 'running'
		RETURNING `+runColumns,
		p.ID, p.Status, p.Found, p.Created, p.Enqueued, p.Skipped,
		nullString(p.ErrorKind), nullString(p.ErrorMessage))
	if err == nil {
		return &run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}

	if _, getErr := r.GetByID(ctx, p.ID); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrRunFinalized
}

// GetByID returns one run.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	err := r.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM parse_runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// GetActive returns the running run of sourceID, or (nil, nil) when idle.
func (r *RunRepository) GetActive(ctx context.Context, sourceID string) (*domain.Run, error) {
	var run domain.Run
	err := r.db.GetContext(ctx, &run,
		`SELECT `+runColumns+` FROM parse_runs WHERE source_id = $1 AND status = 'running'`, sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // no active run is not an error
		}
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return &run, nil
}

// ListBySource returns the latest runs of sourceID, newest first. An empty sourceID lists all sources.
func (r *RunRepository) ListBySource(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	runs := make([]*domain.Run, 0, limit)
	err := r.db.SelectContext(ctx, &runs, `
		SELECT `+runColumns+` FROM parse_runs
		WHERE ($1 = '' OR source_id::text = $1)
		ORDER BY started_at DESC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ExpireStale fails running runs started before cutoff so their sources can be harvested again.
func (r *RunRepository) ExpireStale(ctx context.Context, cutoff time.Time, kind, message string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE parse_runs SET
			status = 'failed',
			finished_at = NOW(),
			error_kind = $2,
			error_message = $3
		WHERE status = 'running' AND started_at < $1`, cutoff, kind, message)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale runs: %w", err)
	}
	return result.RowsAffected()
}

// Stats aggregates runs started since the given time.
func (r *RunRepository) Stats(ctx context.Context, since time.Time) (*domain.RunStats, error) {
	var stats domain.RunStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*)                                      AS total,
			COUNT(*) FILTER (WHERE status = 'running')    AS running,
			COUNT(*) FILTER (WHERE status = 'succeeded')  AS succeeded,
			COUNT(*) FILTER (WHERE status = 'failed')     AS failed,
			COALESCE(SUM(items_found), 0)                 AS items_found,
			COALESCE(SUM(items_created), 0)               AS items_created,
			COALESCE(SUM(items_enqueued), 0)              AS items_enqueued
		FROM parse_runs
		WHERE started_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	return &stats, nil
}
