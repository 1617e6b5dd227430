// Package queue is the durable job queue. Jobs live in PostgreSQL; workers claim them
// with SELECT … FOR UPDATE SKIP LOCKED and hold a visibility lock while they run.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// Defaults used when Config leaves a value unset.
const (
	DefaultVisibilityTimeout = 15 * time.Minute
	DefaultBackoffBase       = 30 * time.Second
)

// maxLastErrorLen bounds the stored error text.
const maxLastErrorLen = 2000

// DefaultMaxAttempts is the per-type retry policy.
func DefaultMaxAttempts() map[domain.JobType]int {
	return map[domain.JobType]int{
		domain.JobHarvestSource: 3,
		domain.JobEnrichItem:    3,
		domain.JobTest:          1,
	}
}

// Store is the persistence behind the queue.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	Claim(ctx context.Context, workerID string, visibility time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, id, workerID string) error
	Fail(ctx context.Context, p database.FailParams) (*database.FailResult, error)
	RecoverExpired(ctx context.Context, expiredKind string) (requeued, failed int, err error)
	Requeue(ctx context.Context, id string) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (*domain.JobStats, error)
	HasPendingHarvest(ctx context.Context, sourceID string) (bool, error)
	List(ctx context.Context, params database.ListJobsParams) ([]*domain.Job, error)
}

// Config controls visibility and retry policy.
type Config struct {
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	// MaxAttempts overrides DefaultMaxAttempts per job type.
	MaxAttempts map[string]int
}

// JobRequest submits one job.
type JobRequest struct {
	Type    domain.JobType
	Payload any
	// UserID is the account charged for any credits the job spends.
	UserID string
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	ID          string
	Type        domain.JobType
	MaxAttempts int
	EnqueuedAt  time.Time
}

// Queue is the job queue.
type Queue struct {
	store       Store
	notifier    Notifier
	cfg         Config
	maxAttempts map[domain.JobType]int
	log         logger.Logger
	metrics     *telemetry.Metrics
}

// New creates a queue. notifier may be nil, leaving dispatchers to poll.
func New(store Store, notifier Notifier, cfg Config, log logger.Logger, metrics *telemetry.Metrics) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}

	policy := DefaultMaxAttempts()
	for t, n := range cfg.MaxAttempts {
		if jt := domain.JobType(t); jt.Valid() && n > 0 {
			policy[jt] = n
		}
	}

	return &Queue{
		store:       store,
		notifier:    notifier,
		cfg:         cfg,
		maxAttempts: policy,
		log:         log.With(logger.Component("queue")),
		metrics:     metrics,
	}
}

// VisibilityTimeout is how long a claimed job stays locked.
func (q *Queue) VisibilityTimeout() time.Duration {
	return q.cfg.VisibilityTimeout
}

// Enqueue persists a queued job and announces it.
func (q *Queue) Enqueue(ctx context.Context, req JobRequest) (*JobHandle, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidJobType, req.Type)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidPayload)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPayload, err)
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     payload,
		UserID:      req.UserID,
		MaxAttempts: q.maxAttempts[req.Type],
	}
	if err = q.store.Create(ctx, job); err != nil {
		return nil, err
	}

	q.metrics.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()
	q.log.Debug("Job enqueued",
		logger.JobID(job.ID),
		logger.String("type", string(job.Type)),
		logger.UserID(job.UserID),
	)

	if q.notifier != nil {
		if notifyErr := q.notifier.Notify(ctx, job); notifyErr != nil {
			q.log.Warn("Failed to publish job wake-up", logger.JobID(job.ID), logger.Error(notifyErr))
		}
	}

	return &JobHandle{
		ID:          job.ID,
		Type:        job.Type,
		MaxAttempts: job.MaxAttempts,
		EnqueuedAt:  job.EnqueuedAt,
	}, nil
}

// Dispatch claims the next eligible job for workerID. It returns (nil, nil) when the
// queue has nothing visible.
func (q *Queue) Dispatch(ctx context.Context, workerID string) (*domain.Job, error) {
	return q.store.Claim(ctx, workerID, q.cfg.VisibilityTimeout)
}

// Ack completes a job. It returns domain.ErrLockLost when workerID no longer holds it.
func (q *Queue) Ack(ctx context.Context, jobID, workerID string) error {
	return q.store.Complete(ctx, jobID, workerID)
}

// Fail records cause against the job. Retryable causes re-queue it with exponential
// backoff while attempts remain; everything else fails it terminally.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (*database.FailResult, error) {
	kind := domain.ErrorKind(cause)
	msg := cause.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}

	res, err := q.store.Fail(ctx, database.FailParams{
		ID:          jobID,
		WorkerID:    workerID,
		Retryable:   domain.IsRetryable(cause),
		LastError:   msg,
		ErrorKind:   kind,
		BackoffBase: q.cfg.BackoffBase,
	})
	if err != nil {
		return nil, err
	}

	if res.Status == domain.JobQueued {
		q.log.Info("Job scheduled for retry",
			logger.JobID(jobID),
			logger.Int("attempts", res.Attempts),
			logger.String("error_kind", kind),
			logger.Time("visible_at", res.VisibleAt),
		)
	} else {
		q.log.Warn("Job failed terminally",
			logger.JobID(jobID),
			logger.Int("attempts", res.Attempts),
			logger.String("error_kind", kind),
			logger.String("error", msg),
		)
	}
	return res, nil
}

// RecoverExpired releases running jobs whose visibility lock expired without an ack.
func (q *Queue) RecoverExpired(ctx context.Context) (requeued, failed int, err error) {
	requeued, failed, err = q.store.RecoverExpired(ctx, domain.KindLockExpired)
	if err != nil {
		return 0, 0, err
	}
	if requeued+failed > 0 {
		q.metrics.JobsRecovered.WithLabelValues("requeued").Add(float64(requeued))
		q.metrics.JobsRecovered.WithLabelValues("failed").Add(float64(failed))
		q.log.Warn("Recovered jobs with expired locks",
			logger.Int("requeued", requeued),
			logger.Int("failed", failed),
		)
	}
	return requeued, failed, nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.GetByID(ctx, id)
}

// List returns recent jobs matching params.
func (q *Queue) List(ctx context.Context, params database.ListJobsParams) ([]*domain.Job, error) {
	return q.store.List(ctx, params)
}

// Requeue gives a terminally failed job a fresh set of attempts.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.Requeue(ctx, id); err != nil {
		return err
	}
	q.log.Info("Job requeued manually", logger.JobID(id))

	if q.notifier != nil {
		if notifyErr := q.notifier.Notify(ctx, &domain.Job{ID: id}); notifyErr != nil {
			q.log.Warn("Failed to publish job wake-up", logger.JobID(id), logger.Error(notifyErr))
		}
	}
	return nil
}

// Cleanup purges completed jobs older than olderThan.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.DeleteCompletedBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("Purged completed jobs", logger.Int64("deleted", n))
	}
	return n, nil
}

// Stats counts jobs per status and refreshes the queue depth gauge.
func (q *Queue) Stats(ctx context.Context) (*domain.JobStats, error) {
	stats, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	q.metrics.QueueDepth.WithLabelValues(string(domain.JobQueued)).Set(float64(stats.Queued))
	q.metrics.QueueDepth.WithLabelValues(string(domain.JobRunning)).Set(float64(stats.Running))
	q.metrics.QueueDepth.WithLabelValues(string(domain.JobCompleted)).Set(float64(stats.Completed))
	q.metrics.QueueDepth.WithLabelValues(string(domain.JobFailed)).Set(float64(stats.Failed))
	return stats, nil
}

// HasPendingHarvest reports whether a harvest for sourceID is queued or running.
func (q *Queue) HasPendingHarvest(ctx context.Context, sourceID string) (bool, error) {
	return q.store.HasPendingHarvest(ctx, sourceID)
}
