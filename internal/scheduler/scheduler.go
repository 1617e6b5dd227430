// Package scheduler enqueues HARVEST_SOURCE jobs for sources whose frequency has elapsed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// DefaultSpec runs a pass every 15 minutes.
const DefaultSpec = "@every 15m"

// Decisions recorded per considered source.
const (
	DecisionEnqueued = "enqueued"
	DecisionNotDue   = "not_due"
	DecisionPending  = "pending"
	DecisionError    = "error"
)

// SourceLister returns active sources without a running harvest.
type SourceLister interface {
	ListSchedulable(ctx context.Context) ([]*domain.TrackingSource, error)
}

// Enqueuer is the part of the queue the scheduler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.JobRequest) (*queue.JobHandle, error)
	HasPendingHarvest(ctx context.Context, sourceID string) (bool, error)
}

// Report summarizes one scheduling pass.
type Report struct {
	Considered int
	Enqueued   int
	NotDue     int
	Pending    int
	Failed     int
}

// Scheduler triggers scheduling passes on a cron spec.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	sources SourceLister
	queue   Enqueuer
	log     logger.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler for spec, which accepts five-field expressions and descriptors
// such as "@every 15m".
func New(spec string, sources SourceLister, q Enqueuer, log logger.Logger, metrics *telemetry.Metrics) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		spec:    spec,
		sources: sources,
		queue:   q,
		log:     log.With(logger.Component("scheduler")),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs a pass on every tick until Stop. Passes never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("Scheduling pass failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to register schedule: %w", err)
	}
	s.cron.Start()
	s.log.Info("Scheduler started", logger.String("schedule", s.spec))
	return nil
}

// Stop halts the ticker and waits for a running pass.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped")
}

// RunOnce enqueues one harvest for every due source that has none pending. Errors for
// a single source are logged and counted, and the pass continues.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	sources, err := s.sources.ListSchedulable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedulable sources: %w", err)
	}

	now := s.now()
	report := &Report{Considered: len(sources)}
	for _, src := range sources {
		decision := s.consider(ctx, src, now)
		s.metrics.SchedulerTicks.WithLabelValues(decision).Inc()
		switch decision {
		case DecisionEnqueued:
			report.Enqueued++
		case DecisionNotDue:
			report.NotDue++
		case DecisionPending:
			report.Pending++
		default:
			report.Failed++
		}
	}

	s.log.Info("Scheduling pass finished",
		logger.Int("considered", report.Considered),
		logger.Int("enqueued", report.Enqueued),
		logger.Int("pending", report.Pending),
		logger.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Scheduler) consider(ctx context.Context, src *domain.TrackingSource, now time.Time) string {
	if !src.Due(now) {
		return DecisionNotDue
	}
	log := s.log.With(logger.SourceID(src.ID))

	pending, err := s.queue.HasPendingHarvest(ctx, src.ID)
	if err != nil {
		log.Error("Failed to check pending harvest", logger.Error(err))
		return DecisionError
	}
	if pending {
		return DecisionPending
	}

	handle, err := s.queue.Enqueue(ctx, queue.JobRequest{
		Type:    domain.JobHarvestSource,
		Payload: domain.HarvestSourcePayload{SourceID: src.ID},
		UserID:  src.UserID,
	})
	if err != nil {
		log.Error("Failed to enqueue harvest", logger.Error(err))
		return DecisionError
	}
	log.Debug("Harvest enqueued", logger.JobID(handle.ID))
	return DecisionEnqueued
}
