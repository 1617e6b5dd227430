package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// sourceSelect joins the owning dataset so every loaded source carries its user.
const sourceSelect = `
	SELECT s.id, s.dataset_id, d.user_id, s.username, s.url, s.is_active, s.content_types,
	       s.min_views_filter, s.days_limit, s.fetch_limit, s.parse_frequency,
	       s.last_harvested_at, s.created_at, s.updated_at
	FROM tracking_sources s
	JOIN datasets d ON d.id = s.dataset_id`

// SourceRepository persists tracking sources and the datasets that group them per user.
type SourceRepository struct {
	db *sqlx.DB
}

// NewSourceRepository creates a new source repository.
func NewSourceRepository(db *sqlx.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// CreateDataset inserts a dataset owned by userID and returns its id.
func (r *SourceRepository) CreateDataset(ctx context.Context, userID, name string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", domain.ErrInvalidSource)
	}
	if name == "" {
		name = "default"
	}

	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO datasets (id, user_id, name) VALUES ($1, $2, $3)`, id, userID, name); err != nil {
		return "", fmt.Errorf("failed to create dataset: %w", err)
	}
	return id, nil
}

// Create validates and inserts a source.
func (r *SourceRepository) Create(ctx context.Context, s *domain.TrackingSource) error {
	if s.ParseFrequency == "" {
		s.ParseFrequency = domain.FrequencyDaily
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO tracking_sources
			(id, dataset_id, username, url, is_active, content_types, min_views_filter,
			 days_limit, fetch_limit, parse_frequency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		s.ID, s.DatasetID, s.Username, s.URL, s.IsActive, s.ContentTypes, s.MinViewsFilter,
		s.DaysLimit, s.FetchLimit, s.ParseFrequency,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tracking source: %w", err)
	}
	return nil
}

// GetByID returns a source with its owning user.
func (r *SourceRepository) GetByID(ctx context.Context, id string) (*domain.TrackingSource, error) {
	var s domain.TrackingSource
	err := r.db.GetContext(ctx, &s, sourceSelect+` WHERE s.id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSourceNotFound
		}
		return nil, fmt.Errorf("failed to get tracking source: %w", err)
	}
	return &s, nil
}

// List returns all sources, optionally only active ones.
func (r *SourceRepository) List(ctx context.Context, activeOnly bool) ([]*domain.TrackingSource, error) {
	var sources []*domain.TrackingSource
	err := r.db.SelectContext(ctx, &sources,
		sourceSelect+` WHERE (NOT $1 OR s.is_active) ORDER BY s.created_at`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking sources: %w", err)
	}
	return sources, nil
}

// ListSchedulable returns active sources with no running run. Frequency is checked by the caller.
func (r *SourceRepository) ListSchedulable(ctx context.Context) ([]*domain.TrackingSource, error) {
	var sources []*domain.TrackingSource
	err := r.db.SelectContext(ctx, &sources, sourceSelect+`
		WHERE s.is_active
		  AND NOT EXISTS (SELECT 1 FROM parse_runs r WHERE r.source_id = s.id AND r.status = 'running')
		ORDER BY s.last_harvested_at NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable sources: %w", err)
	}
	return sources, nil
}

// MarkHarvested records the completion time of a successful harvest.
func (r *SourceRepository) MarkHarvested(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tracking_sources SET last_harvested_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err = execRequireRows(result, err, domain.ErrSourceNotFound); err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			return err
		}
		return fmt.Errorf("failed to mark source harvested: %w", err)
	}
	return nil
}

// SetActive toggles scheduling. Sources are never hard-deleted.
func (r *SourceRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tracking_sources SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err = execRequireRows(result, err, domain.ErrSourceNotFound); err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			return err
		}
		return fmt.Errorf("failed to update source status: %w", err)
	}
	return nil
}
