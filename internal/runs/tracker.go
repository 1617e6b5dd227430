// Package runs records harvest runs. A source has at most one running run at a time.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// DefaultStaleAfter is how long a run may stay running before it is considered abandoned.
const DefaultStaleAfter = 30 * time.Minute

const maxErrorMessageLen = 2000

// Store is the persistence behind the tracker.
type Store interface {
	Create(ctx context.Context, run *domain.Run) error
	Finish(ctx context.Context, p database.FinishParams) (*domain.Run, error)
	GetByID(ctx context.Context, id string) (*domain.Run, error)
	GetActive(ctx context.Context, sourceID string) (*domain.Run, error)
	ListBySource(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error)
	ExpireStale(ctx context.Context, cutoff time.Time, kind, message string) (int64, error)
	Stats(ctx context.Context, since time.Time) (*domain.RunStats, error)
}

// Tracker owns the run lifecycle.
type Tracker struct {
	store Store
	log   logger.Logger
}

// NewTracker creates a tracker.
func NewTracker(store Store, log logger.Logger) *Tracker {
	return &Tracker{store: store, log: log.With(logger.Component("runs"))}
}

// Start opens a running run for sourceID. It returns domain.ErrRunAlreadyInProgress
// when another run of the source is still running.
func (t *Tracker) Start(ctx context.Context, sourceID string) (*domain.Run, error) {
	run := &domain.Run{ID: uuid.NewString(), SourceID: sourceID}
	if err := t.store.Create(ctx, run); err != nil {
		if errors.Is(err, domain.ErrRunAlreadyInProgress) {
			t.log.Info("Harvest already running for source", logger.SourceID(sourceID))
		}
		return nil, err
	}

	t.log.Debug("Run started", logger.RunID(run.ID), logger.SourceID(sourceID))
	return run, nil
}

// Finish finalizes runID once. A second call returns domain.ErrRunFinalized.
func (t *Tracker) Finish(ctx context.Context, runID string, out domain.RunOutcome) (*domain.Run, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("finish run with non-terminal status %q", out.Status)
	}

	params := database.FinishParams{
		ID:       runID,
		Status:   out.Status,
		Found:    out.Found,
		Created:  out.Created,
		Enqueued: out.Enqueued,
		Skipped:  out.Skipped,
	}
	if out.Err != nil {
		params.ErrorKind = domain.ErrorKind(out.Err)
		params.ErrorMessage = truncate(out.Err.Error(), maxErrorMessageLen)
	}

	run, err := t.store.Finish(ctx, params)
	if err != nil {
		return nil, err
	}

	fields := []logger.Field{
		logger.RunID(run.ID),
		logger.SourceID(run.SourceID),
		logger.String("status", string(run.Status)),
		logger.Int("items_found", run.ItemsFound),
		logger.Int("items_created", run.ItemsCreated),
		logger.Int("items_enqueued", run.ItemsEnqueued),
		logger.Int("items_skipped", run.ItemsSkipped.Total()),
		logger.Duration("duration", run.Duration()),
	}
	if run.Status == domain.RunFailed {
		t.log.Warn("Run failed", append(fields, logger.String("error_kind", params.ErrorKind))...)
	} else {
		t.log.Info("Run finished", fields...)
	}
	return run, nil
}

// Get returns one run.
func (t *Tracker) Get(ctx context.Context, runID string) (*domain.Run, error) {
	return t.store.GetByID(ctx, runID)
}

// Active returns the running run of sourceID, or nil when the source is idle.
func (t *Tracker) Active(ctx context.Context, sourceID string) (*domain.Run, error) {
	return t.store.GetActive(ctx, sourceID)
}

// List returns recent runs of sourceID, or of every source when sourceID is empty.
func (t *Tracker) List(ctx context.Context, sourceID string, limit int) ([]*domain.Run, error) {
	return t.store.ListBySource(ctx, sourceID, limit)
}

// ExpireStale fails runs that have been running longer than olderThan. Such a run was
// abandoned by a crashed worker and would otherwise block its source.
func (t *Tracker) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}

	n, err := t.store.ExpireStale(ctx, time.Now().Add(-olderThan), domain.KindAbandoned,
		fmt.Sprintf("run exceeded %s without finishing", olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Warn("Expired abandoned runs", logger.Int64("count", n), logger.Duration("stale_after", olderThan))
	}
	return n, nil
}

// Stats aggregates runs started since the given time.
func (t *Tracker) Stats(ctx context.Context, since time.Time) (*domain.RunStats, error) {
	return t.store.Stats(ctx, since)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
