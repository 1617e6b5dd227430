package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

func TestContentRepository_ExistingNativeIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewContentRepository(db)

	mock.ExpectQuery("SELECT provider_native_id FROM content_items").
		WithArgs("src-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"provider_native_id"}).AddRow("p2"))

	existing, err := repo.ExistingNativeIDs(context.Background(), "src-1", []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, existing, 1)
	assert.Contains(t, existing, "p2")

	expectationsMet(t, mock)
}

func TestContentRepository_ExistingNativeIDsSkipsEmptyBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewContentRepository(db)

	existing, err := repo.ExistingNativeIDs(context.Background(), "src-1", nil)
	require.NoError(t, err)
	assert.Empty(t, existing)

	expectationsMet(t, mock)
}

func TestContentRepository_InsertConflictIsDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewContentRepository(db)

	mock.ExpectQuery("ON CONFLICT \\(source_id, provider_native_id\\) DO NOTHING").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	item := domain.NewContentItem("src-1", domain.RawPost{
		NativeID:      "p1",
		OwnerUsername: "creator",
		MediaType:     domain.MediaVideo,
		PublishedAt:   time.Now(),
	})
	err := repo.Insert(context.Background(), item)
	require.ErrorIs(t, err, domain.ErrDuplicateItem)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "https://instagram.com/creator", item.SourceURL)

	expectationsMet(t, mock)
}

func TestContentRepository_AttachEnrichmentOnlyOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewContentRepository(db)
	e := &domain.Enrichment{Model: "claude-3-haiku", Raw: "{}", EnrichedAt: time.Now()}

	mock.ExpectExec("UPDATE content_items SET enrichment").
		WithArgs("item-1", sqlmock.AnyArg(), e.EnrichedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	attached, err := repo.AttachEnrichment(context.Background(), "item-1", e)
	require.NoError(t, err)
	assert.False(t, attached)

	expectationsMet(t, mock)
}
