package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

const contentColumns = `c.id, c.source_id, c.provider_native_id, c.url, c.source_url, c.media_type, c.caption,
	c.cover_url, c.video_url, c.views, c.likes, c.comments, c.published_at, c.raw_payload,
	c.enrichment, c.enriched_at, c.created_at`

// ContentRepository persists ingested content items.
type ContentRepository struct {
	db *sqlx.DB
}

// NewContentRepository creates a new content repository.
func NewContentRepository(db *sqlx.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// OwnedItem is a content item with the user that owns its source.
type OwnedItem struct {
	domain.ContentItem
	OwnerID string `db:"owner_id"`
}

// ExistingNativeIDs returns which of nativeIDs are already stored for sourceID.
func (r *ContentRepository) ExistingNativeIDs(
	ctx context.Context, sourceID string, nativeIDs []string,
) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(nativeIDs) == 0 {
		return existing, nil
	}

	var found []string
	err := r.db.SelectContext(ctx, &found, `
		SELECT provider_native_id FROM content_items
		WHERE source_id = $1 AND provider_native_id = ANY($2)`,
		sourceID, pq.Array(nativeIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing native ids: %w", err)
	}

	for _, id := range found {
		existing[id] = struct{}{}
	}
	return existing, nil
}

// Insert stores item unless (source_id, provider_native_id) exists, in which case it
// returns ErrDuplicateItem and leaves the stored row untouched.
func (r *ContentRepository) Insert(ctx context.Context, item *domain.ContentItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO content_items
			(id, source_id, provider_native_id, url, source_url, media_type, caption,
			 cover_url, video_url, views, likes, comments, published_at, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source_id, provider_native_id) DO NOTHING
		RETURNING created_at`,
		item.ID, item.SourceID, item.ProviderNativeID, item.URL, item.SourceURL, item.MediaType,
		item.Caption, item.CoverURL, item.VideoURL, item.Views, item.Likes, item.Comments,
		item.PublishedAt, item.RawPayload,
	).Scan(&item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrDuplicateItem
		}
		return fmt.Errorf("failed to insert content item: %w", err)
	}
	return nil
}

// GetWithOwner returns an item together with the user charged for its enrichment.
func (r *ContentRepository) GetWithOwner(ctx context.Context, id string) (*OwnedItem, error) {
	var item OwnedItem
	err := r.db.GetContext(ctx, &item, `
		SELECT `+contentColumns+`, d.user_id AS owner_id
		FROM content_items c
		JOIN tracking_sources s ON s.id = c.source_id
		JOIN datasets d ON d.id = s.dataset_id
		WHERE c.id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrContentItemNotFound
		}
		return nil, fmt.Errorf("failed to get content item: %w", err)
	}
	return &item, nil
}

// AttachEnrichment sets the enrichment of an item that has none. It reports false when
// the item was already enriched.
func (r *ContentRepository) AttachEnrichment(ctx context.Context, id string, e *domain.Enrichment) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE content_items SET enrichment = $2, enriched_at = $3
		WHERE id = $1 AND enrichment IS NULL`, id, e, e.EnrichedAt)
	if err != nil {
		return false, fmt.Errorf("failed to attach enrichment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to attach enrichment: %w", err)
	}
	return n > 0, nil
}

// ListBySource returns the latest items of sourceID, newest first.
func (r *ContentRepository) ListBySource(ctx context.Context, sourceID string, limit int) ([]*domain.ContentItem, error) {
	if limit <= 0 {
		limit = 20
	}
	items := make([]*domain.ContentItem, 0, limit)
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+contentColumns+`
		FROM content_items c
		WHERE c.source_id = $1
		ORDER BY c.published_at DESC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list content items: %w", err)
	}
	return items, nil
}
