package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// settleTimeout bounds the ack or fail write after a handler returns.
const settleTimeout = 10 * time.Second

// Job outcomes recorded in metrics.
const (
	outcomeSucceeded = "succeeded"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeLockLost  = "lock_lost"
)

// Queue is the job queue as seen by a worker.
type Queue interface {
	Dispatch(ctx context.Context, workerID string) (*domain.Job, error)
	Ack(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID string, cause error) (*database.FailResult, error)
	RecoverExpired(ctx context.Context) (requeued, failed int, err error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*domain.JobStats, error)
}

// Wakeups delivers a signal whenever new work may be available.
type Wakeups interface {
	Listen(ctx context.Context) (<-chan struct{}, error)
}

// RunExpirer abandons runs left running by a dead process.
type RunExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Deps are the collaborators of a Worker. Wakeups and Runs are optional.
type Deps struct {
	Queue    Queue
	Registry *Registry
	Wakeups  Wakeups
	Runs     RunExpirer
}

// Worker claims jobs and runs them on a bounded pool.
type Worker struct {
	cfg      Config
	queue    Queue
	registry *Registry
	wakeups  Wakeups
	runs     RunExpirer
	pool     *Pool
	log      logger.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// New creates a worker.
func New(cfg Config, deps Deps, log logger.Logger, tp *telemetry.Provider) (*Worker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if deps.Queue == nil || deps.Registry == nil {
		return nil, errors.New("worker requires a queue and a handler registry")
	}

	return &Worker{
		cfg:      cfg,
		queue:    deps.Queue,
		registry: deps.Registry,
		wakeups:  deps.Wakeups,
		runs:     deps.Runs,
		pool:     NewPool(cfg.Concurrency, tp.Metrics.WorkersBusy),
		log:      log.With(logger.Component("worker"), logger.String("worker_id", cfg.ID)),
		metrics:  tp.Metrics,
		tracer:   tp.Tracer,
	}, nil
}

// ID returns the lock owner name of this worker.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Stats returns pool statistics.
func (w *Worker) Stats() PoolStats {
	return w.pool.Stats()
}

// Run dispatches jobs until ctx is done, then drains in-flight jobs for up to the drain
// timeout. Jobs still running after that are cancelled and later recovered by lock expiry.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker started",
		logger.Int("concurrency", w.cfg.Concurrency),
		logger.Duration("job_timeout", w.cfg.JobTimeout),
	)

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	wake := w.listen(ctx)

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		w.maintenanceLoop(ctx)
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.fill(ctx, execCtx)

		select {
		case <-ctx.Done():
			<-maintenanceDone
			return w.drain(cancelExec)
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		case <-w.pool.Released():
		}
	}
}

func (w *Worker) listen(ctx context.Context) <-chan struct{} {
	if w.wakeups == nil {
		return nil
	}
	wake, err := w.wakeups.Listen(ctx)
	if err != nil {
		w.log.Warn("Wake-up channel unavailable, polling only", logger.Error(err))
		return nil
	}
	return wake
}

// fill claims jobs while the pool has free slots.
func (w *Worker) fill(ctx, execCtx context.Context) {
	for w.pool.Free() > 0 && ctx.Err() == nil {
		job, err := w.queue.Dispatch(ctx, w.cfg.ID)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("Failed to claim job", logger.Error(err))
			}
			return
		}
		if job == nil {
			return
		}
		if !w.pool.TryGo(func() error { return w.execute(execCtx, job) }) {
			// Unreachable while fill is the only submitter; the lock expires and
			// recovery re-queues the job if it ever happens.
			w.log.Error("Pool full after claim", logger.JobID(job.ID))
			return
		}
	}
}

func (w *Worker) drain(cancelExec context.CancelFunc) error {
	w.log.Info("Worker draining", logger.Int("in_flight", w.pool.Stats().Busy))

	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	if err := w.pool.Wait(drainCtx); err != nil {
		w.log.Warn("Drain timeout exceeded, cancelling in-flight jobs")
		cancelExec()
		return nil
	}
	w.log.Info("Worker stopped gracefully")
	return nil
}

// execute runs one claimed job and settles it with an ack or a failure.
func (w *Worker) execute(ctx context.Context, job *domain.Job) error {
	ctx, log := logger.Scoped(ctx, w.log,
		logger.JobID(job.ID),
		logger.String("job_type", string(job.Type)),
		logger.Int("attempt", job.Attempts),
	)

	ctx, span := w.tracer.JobSpan(ctx, job.ID, string(job.Type), job.Attempts)
	defer span.End()

	start := time.Now()
	err := w.handle(ctx, job)
	duration := time.Since(start)
	w.metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(duration.Seconds())

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		log.Info("Job completed", logger.Duration("duration", duration))
		if ackErr := w.queue.Ack(settleCtx, job.ID, w.cfg.ID); ackErr != nil {
			w.settleFailed(log, job, ackErr)
			return ackErr
		}
		w.metrics.JobsProcessed.WithLabelValues(string(job.Type), outcomeSucceeded).Inc()
		return nil
	}

	telemetry.RecordError(span, err)
	log.Warn("Job failed",
		logger.Duration("duration", duration),
		logger.String("error_kind", domain.ErrorKind(err)),
		logger.Error(err),
	)

	res, failErr := w.queue.Fail(settleCtx, job.ID, w.cfg.ID, err)
	if failErr != nil {
		w.settleFailed(log, job, failErr)
		return err
	}
	outcome := outcomeFailed
	if res.Status == domain.JobQueued {
		outcome = outcomeRetried
	}
	w.metrics.JobsProcessed.WithLabelValues(string(job.Type), outcome).Inc()
	return err
}

func (w *Worker) handle(ctx context.Context, job *domain.Job) (err error) {
	h, ok := w.registry.Lookup(job.Type)
	if !ok {
		return fmt.Errorf("%w: no handler for %s", domain.ErrInvalidJobType, job.Type)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = h.Handle(jobCtx, job)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && domain.ErrorKind(err) == domain.KindInternal {
		err = fmt.Errorf("%w after %s: %w", domain.ErrJobTimeout, w.cfg.JobTimeout, err)
	}
	return err
}

func (w *Worker) settleFailed(log logger.Logger, job *domain.Job, err error) {
	if errors.Is(err, domain.ErrLockLost) {
		log.Warn("Job lock lost before settling, another worker owns it now")
		w.metrics.JobsProcessed.WithLabelValues(string(job.Type), outcomeLockLost).Inc()
		return
	}
	log.Error("Failed to settle job", logger.Error(err))
}
