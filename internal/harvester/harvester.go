// Package harvester turns one tracking source into new content items.
//
// A harvest walks Pending → Fetching → Filtering → Persisting → Enqueuing → Completed.
// Every state may end in Failed, and every terminal state finalizes the run opened in
// Pending, so a source is never left locked by a returning harvest.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// DefaultFetchTimeout bounds the scraping call of one harvest.
const DefaultFetchTimeout = 10 * time.Minute

// State is a step of the harvest state machine.
type State string

const (
	StatePending    State = "pending"
	StateFetching   State = "fetching"
	StateFiltering  State = "filtering"
	StatePersisting State = "persisting"
	StateEnqueuing  State = "enqueuing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Scraper fetches recent posts of one account.
type Scraper interface {
	FetchPosts(ctx context.Context, handle string, since time.Time, limit int) ([]domain.RawPost, error)
}

// SourceStore loads and stamps tracking sources.
type SourceStore interface {
	GetByID(ctx context.Context, id string) (*domain.TrackingSource, error)
	MarkHarvested(ctx context.Context, id string, at time.Time) error
}

// ContentStore persists content items.
type ContentStore interface {
	ExistingNativeIDs(ctx context.Context, sourceID string, nativeIDs []string) (map[string]struct{}, error)
	Insert(ctx context.Context, item *domain.ContentItem) error
}

// RunTracker opens and finalizes runs.
type RunTracker interface {
	Start(ctx context.Context, sourceID string) (*domain.Run, error)
	Finish(ctx context.Context, runID string, out domain.RunOutcome) (*domain.Run, error)
}

// Enqueuer submits follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.JobRequest) (*queue.JobHandle, error)
}

// Config tunes a harvest.
type Config struct {
	FetchTimeout time.Duration
	// ViralityFactor drops posts under factor × batch average views. Zero disables it.
	ViralityFactor float64
}

// Deps are the collaborators of a Harvester. Seen may be nil.
type Deps struct {
	Scraper Scraper
	Sources SourceStore
	Content ContentStore
	Runs    RunTracker
	Queue   Enqueuer
	Seen    SeenSet
}

// HarvestRequest names the source to harvest and the job that asked for it.
type HarvestRequest struct {
	SourceID string
	UserID   string
	JobID    string
}

// Report is the accounting of one harvest.
type Report struct {
	RunID    string
	SourceID string
	State    State
	Found    int
	Created  int
	Enqueued int
	Skipped  domain.SkipCounts
	Duration time.Duration
}

// Harvester runs harvests.
type Harvester struct {
	deps    Deps
	cfg     Config
	log     logger.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
}

// New creates a Harvester.
func New(deps Deps, cfg Config, log logger.Logger, tp *telemetry.Provider) *Harvester {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Harvester{
		deps:    deps,
		cfg:     cfg,
		log:     log.With(logger.Component("harvester")),
		metrics: tp.Metrics,
		tracer:  tp.Tracer,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (h *Harvester) SetClock(now func() time.Time) {
	h.now = now
}

// harvest is the mutable state of one Harvest call.
type harvest struct {
	req     HarvestRequest
	source  *domain.TrackingSource
	run     *domain.Run
	started time.Time
	report  Report
	log     logger.Logger
	span    trace.Span
	// stored are native IDs known to be persisted for the source; they feed the seen-set.
	stored []string
}

// Harvest runs the state machine for one source. It returns domain.ErrRunAlreadyInProgress
// without touching any run when the source is already being harvested.
func (h *Harvester) Harvest(ctx context.Context, req HarvestRequest) (*Report, error) {
	ctx, span := h.tracer.HarvestSpan(ctx, req.SourceID)
	defer span.End()

	hv := &harvest{
		req:     req,
		started: h.now(),
		report:  Report{SourceID: req.SourceID, Skipped: domain.SkipCounts{}},
		log:     h.log.With(logger.SourceID(req.SourceID), logger.JobID(req.JobID)),
		span:    span,
	}

	h.transition(ctx, hv, StatePending)
	if err := h.pending(ctx, hv); err != nil {
		h.transition(ctx, hv, StateFailed)
		h.metrics.HarvestRuns.WithLabelValues(domain.ErrorKind(err)).Inc()
		telemetry.RecordError(span, err)
		return nil, err
	}

	h.transition(ctx, hv, StateFetching)
	posts, err := h.fetch(ctx, hv)
	if err != nil {
		return h.fail(ctx, hv, err)
	}

	h.transition(ctx, hv, StateFiltering)
	kept, err := h.filter(ctx, hv, posts)
	if err != nil {
		return h.fail(ctx, hv, err)
	}

	h.transition(ctx, hv, StatePersisting)
	created, err := h.persist(ctx, hv, kept)
	if err != nil {
		// Rows already written are skipped as duplicates on redispatch, so they get
		// their enrichment jobs now.
		h.enqueue(ctx, hv, created)
		return h.fail(ctx, hv, err)
	}

	h.transition(ctx, hv, StateEnqueuing)
	h.enqueue(ctx, hv, created)

	return h.complete(ctx, hv)
}

func (h *Harvester) transition(ctx context.Context, hv *harvest, to State) {
	hv.report.State = to
	h.metrics.HarvestTransitions.WithLabelValues(string(to)).Inc()
	telemetry.Event(ctx, "harvest."+string(to))
	hv.log.Debug("Harvest state changed", logger.String("state", string(to)))
}

func (h *Harvester) pending(ctx context.Context, hv *harvest) error {
	source, err := h.deps.Sources.GetByID(ctx, hv.req.SourceID)
	if err != nil {
		return err
	}
	if !source.IsActive {
		return fmt.Errorf("%w: %s", domain.ErrSourceInactive, source.ID)
	}
	hv.source = source

	run, err := h.deps.Runs.Start(ctx, source.ID)
	if err != nil {
		return err
	}
	hv.run = run
	hv.report.RunID = run.ID
	hv.log = hv.log.With(logger.RunID(run.ID))
	hv.span.SetAttributes(attribute.String("run.id", run.ID), attribute.String("source.handle", source.Handle()))
	return nil
}

func (h *Harvester) fetch(ctx context.Context, hv *harvest) ([]domain.RawPost, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()

	since := hv.source.Since(hv.started)
	posts, err := h.deps.Scraper.FetchPosts(fetchCtx, hv.source.Handle(), since, hv.source.FetchLimit)
	if err != nil {
		var fetchErr *domain.ProviderFetchError
		if !errors.As(err, &fetchErr) {
			err = &domain.ProviderFetchError{Provider: "scraper", Op: "fetch posts", Retryable: true, Err: err}
		}
		return nil, err
	}
	if limit := hv.source.FetchLimit; limit > 0 && len(posts) > limit {
		hv.log.Debug("Provider exceeded fetch limit, truncating batch",
			logger.Int("returned", len(posts)),
			logger.Int("fetch_limit", limit),
		)
		posts = posts[:limit]
	}

	hv.report.Found = len(posts)
	h.metrics.HarvestItems.WithLabelValues("found").Add(float64(len(posts)))
	hv.log.Info("Fetched posts",
		logger.String("handle", hv.source.Handle()),
		logger.Time("since", since),
		logger.Int("found", len(posts)),
	)
	return posts, nil
}

func (h *Harvester) filter(ctx context.Context, hv *harvest, posts []domain.RawPost) ([]domain.RawPost, error) {
	since := hv.source.Since(hv.started)
	candidates := filterBatch(hv.source, posts, since, h.cfg.ViralityFactor, hv.report.Skipped)
	if len(candidates) == 0 {
		return nil, nil
	}

	// A seen-set hit is trusted without a database check. That holds only while
	// content items are never deleted; a deletion path must also clear
	// harvester:seen:<source>:<native>, or the post is not re-ingested until the TTL lapses.
	known := h.seen(ctx, hv, nativeIDs(candidates))

	unknown := make([]string, 0, len(candidates))
	for i := range candidates {
		if _, ok := known[candidates[i].NativeID]; !ok {
			unknown = append(unknown, candidates[i].NativeID)
		}
	}

	existing, err := h.deps.Content.ExistingNativeIDs(ctx, hv.source.ID, unknown)
	if err != nil {
		return nil, err
	}
	for id := range existing {
		known[id] = struct{}{}
		hv.stored = append(hv.stored, id)
	}

	kept := make([]domain.RawPost, 0, len(candidates))
	for i := range candidates {
		if _, ok := known[candidates[i].NativeID]; ok {
			hv.report.Skipped.Add(SkipAlreadyStored)
			continue
		}
		kept = append(kept, candidates[i])
	}
	return kept, nil
}

// seen consults the seen-set. Its failures only cost the pre-filter.
func (h *Harvester) seen(ctx context.Context, hv *harvest, ids []string) map[string]struct{} {
	if h.deps.Seen == nil {
		return map[string]struct{}{}
	}
	known, err := h.deps.Seen.Seen(ctx, hv.source.ID, ids)
	if err != nil {
		hv.log.Warn("Seen-set unavailable, checking database only", logger.Error(err))
		return map[string]struct{}{}
	}
	return known
}

// persist writes posts in order. On a write error it returns the items created before it.
func (h *Harvester) persist(ctx context.Context, hv *harvest, posts []domain.RawPost) ([]*domain.ContentItem, error) {
	created := make([]*domain.ContentItem, 0, len(posts))
	for i := range posts {
		item := domain.NewContentItem(hv.source.ID, posts[i])
		err := h.deps.Content.Insert(ctx, item)
		switch {
		case errors.Is(err, domain.ErrDuplicateItem):
			hv.report.Skipped.Add(SkipAlreadyStored)
			hv.stored = append(hv.stored, item.ProviderNativeID)
		case err != nil:
			hv.report.Created = len(created)
			h.metrics.HarvestItems.WithLabelValues("created").Add(float64(len(created)))
			return created, fmt.Errorf("%w after %d of %d items: %w", domain.ErrPersistFailed, len(created), len(posts), err)
		default:
			created = append(created, item)
			hv.stored = append(hv.stored, item.ProviderNativeID)
		}
	}

	hv.report.Created = len(created)
	h.metrics.HarvestItems.WithLabelValues("created").Add(float64(len(created)))
	return created, nil
}

// enqueue submits one ENRICH_ITEM per new item, charged to the source owner. Failures
// leave items_enqueued below items_created without failing the run.
func (h *Harvester) enqueue(ctx context.Context, hv *harvest, items []*domain.ContentItem) {
	for _, item := range items {
		_, err := h.deps.Queue.Enqueue(ctx, queue.JobRequest{
			Type:    domain.JobEnrichItem,
			Payload: domain.EnrichItemPayload{ContentItemID: item.ID},
			UserID:  hv.source.UserID,
		})
		if err != nil {
			h.metrics.HarvestItems.WithLabelValues("enqueue_failed").Inc()
			hv.log.Warn("Failed to enqueue enrichment",
				logger.ItemID(item.ID),
				logger.Error(err),
			)
			continue
		}
		hv.report.Enqueued++
	}
	h.metrics.HarvestItems.WithLabelValues("enqueued").Add(float64(hv.report.Enqueued))
}

// complete finalizes the run as succeeded. The bookkeeping writes outlive ctx so a
// cancellation after persisting never leaves the run open. When the finish itself
// fails, the harvest goes through fail so the run is closed on a second attempt and
// the job error stays retryable.
func (h *Harvester) complete(ctx context.Context, hv *harvest) (*Report, error) {
	settleCtx := context.WithoutCancel(ctx)
	_, err := h.deps.Runs.Finish(settleCtx, hv.run.ID, domain.RunOutcome{
		Status:   domain.RunSucceeded,
		Found:    hv.report.Found,
		Created:  hv.report.Created,
		Enqueued: hv.report.Enqueued,
		Skipped:  hv.report.Skipped,
	})
	if err != nil {
		return h.fail(ctx, hv, fmt.Errorf("finish run: %w", err))
	}

	if markErr := h.deps.Sources.MarkHarvested(settleCtx, hv.source.ID, h.now()); markErr != nil {
		hv.log.Warn("Failed to stamp source harvest time", logger.Error(markErr))
	}
	if h.deps.Seen != nil {
		if seenErr := h.deps.Seen.Mark(settleCtx, hv.source.ID, hv.stored); seenErr != nil {
			hv.log.Warn("Failed to update seen-set", logger.Error(seenErr))
		}
	}

	h.transition(ctx, hv, StateCompleted)
	hv.report.Duration = h.now().Sub(hv.started)
	h.metrics.HarvestRuns.WithLabelValues(string(domain.RunSucceeded)).Inc()
	h.metrics.HarvestDuration.Observe(hv.report.Duration.Seconds())
	for reason, n := range hv.report.Skipped {
		h.metrics.HarvestItems.WithLabelValues(reason).Add(float64(n))
	}

	hv.log.Info("Harvest completed",
		logger.Int("found", hv.report.Found),
		logger.Int("created", hv.report.Created),
		logger.Int("enqueued", hv.report.Enqueued),
		logger.Int("skipped", hv.report.Skipped.Total()),
		logger.Duration("duration", hv.report.Duration),
	)
	return &hv.report, nil
}

// fail finalizes the run as failed with whatever was accounted so far and returns cause.
func (h *Harvester) fail(ctx context.Context, hv *harvest, cause error) (*Report, error) {
	h.transition(ctx, hv, StateFailed)
	telemetry.RecordError(hv.span, cause)

	_, err := h.deps.Runs.Finish(context.WithoutCancel(ctx), hv.run.ID, domain.RunOutcome{
		Status:   domain.RunFailed,
		Found:    hv.report.Found,
		Created:  hv.report.Created,
		Enqueued: hv.report.Enqueued,
		Skipped:  hv.report.Skipped,
		Err:      cause,
	})
	if err != nil {
		hv.log.Error("Failed to finalize failed run", logger.Error(err))
	}

	hv.report.Duration = h.now().Sub(hv.started)
	h.metrics.HarvestRuns.WithLabelValues(domain.ErrorKind(cause)).Inc()
	h.metrics.HarvestDuration.Observe(hv.report.Duration.Seconds())

	hv.log.Warn("Harvest failed",
		logger.String("error_kind", domain.ErrorKind(cause)),
		logger.Int("created", hv.report.Created),
		logger.Error(cause),
	)
	return &hv.report, cause
}
