package worker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/enrichment"
	"github.com/jonesrussell/north-cloud/harvester/internal/harvester"
)

// Handler executes one job. A nil error acks the job.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// Registry maps job types to handlers.
type Registry struct {
	handlers map[domain.JobType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

// Register binds h to jobType, replacing any previous binding.
func (r *Registry) Register(jobType domain.JobType, h Handler) {
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType domain.JobType) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []domain.JobType {
	types := make([]domain.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Harvester runs one harvest.
type Harvester interface {
	Harvest(ctx context.Context, req harvester.HarvestRequest) (*harvester.Report, error)
}

// Enricher enriches one content item.
type Enricher interface {
	Enrich(ctx context.Context, req enrichment.Request) (*enrichment.Outcome, error)
}

// HarvestHandler runs HARVEST_SOURCE jobs.
func HarvestHandler(h Harvester) HandlerFunc {
	return func(ctx context.Context, job *domain.Job) error {
		var p domain.HarvestSourcePayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		if p.SourceID == "" {
			return fmt.Errorf("%w: sourceId is required", domain.ErrInvalidPayload)
		}
		_, err := h.Harvest(ctx, harvester.HarvestRequest{
			SourceID: p.SourceID,
			UserID:   job.UserID,
			JobID:    job.ID,
		})
		return err
	}
}

// EnrichHandler runs ENRICH_ITEM jobs. Each attempt gets its own invocation ID so a
// retry is charged afresh while a replay of the same attempt is not.
func EnrichHandler(e Enricher) HandlerFunc {
	return func(ctx context.Context, job *domain.Job) error {
		var p domain.EnrichItemPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		if p.ContentItemID == "" {
			return fmt.Errorf("%w: contentItemId is required", domain.ErrInvalidPayload)
		}
		_, err := e.Enrich(ctx, enrichment.Request{
			ContentItemID: p.ContentItemID,
			InvocationID:  InvocationID(job),
		})
		return err
	}
}

// InvocationID scopes gateway charges to one job attempt.
func InvocationID(job *domain.Job) string {
	return job.ID + ":" + strconv.Itoa(job.Attempts)
}

// TestHandler logs TEST_JOB payloads through the job-scoped logger carried by ctx.
// It proves the pipeline end to end.
func TestHandler() HandlerFunc {
	return func(ctx context.Context, job *domain.Job) error {
		var p domain.TestJobPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		logger.FromContext(ctx).Info("Test job received",
			logger.String("message", p.Message),
			logger.Time("sent_at", p.Timestamp),
		)
		return nil
	}
}
