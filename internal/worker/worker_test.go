package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
	"github.com/jonesrussell/north-cloud/harvester/internal/worker"
)

type failure struct {
	jobID string
	cause error
}

// fakeQueue hands out jobs in order. Failed jobs are never redelivered.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []*domain.Job
	claimed  int
	acked    []string
	failures []failure
	ackErr   error

	recovered int
	cleaned   int64
	statsRuns int
}

func (q *fakeQueue) push(jobs ...*domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobs...)
}

func (q *fakeQueue) Dispatch(_ context.Context, _ string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Attempts++
	q.claimed++
	return job, nil
}

func (q *fakeQueue) Ack(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID, _ string, cause error) (*database.FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, failure{jobID: jobID, cause: cause})
	status := domain.JobFailed
	if domain.IsRetryable(cause) {
		status = domain.JobQueued
	}
	return &database.FailResult{Status: status, Attempts: 1}, nil
}

func (q *fakeQueue) RecoverExpired(context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recovered, 0, nil
}

func (q *fakeQueue) Cleanup(context.Context, time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cleaned, nil
}

func (q *fakeQueue) Stats(context.Context) (*domain.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statsRuns++
	return &domain.JobStats{}, nil
}

func (q *fakeQueue) snapshot() (acked []string, failures []failure, claimed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...), append([]failure(nil), q.failures...), q.claimed
}

type fakeRuns struct {
	expired int64
	calls   int
}

func (r *fakeRuns) ExpireStale(context.Context, time.Duration) (int64, error) {
	r.calls++
	return r.expired, nil
}

type fakeWakeups struct {
	ch chan struct{}
}

func (f *fakeWakeups) Listen(context.Context) (<-chan struct{}, error) {
	return f.ch, nil
}

func testJob(id string, jobType domain.JobType) *domain.Job {
	payload, _ := json.Marshal(domain.TestJobPayload{Message: "ping", Timestamp: time.Now()})
	return &domain.Job{ID: id, Type: jobType, Payload: payload, UserID: "user-1", MaxAttempts: 3}
}

type harness struct {
	w      *worker.Worker
	tp     *telemetry.Provider
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func start(t *testing.T, cfg worker.Config, reg *worker.Registry, q *fakeQueue, wake worker.Wakeups) *harness {
	t.Helper()

	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	cfg.ID = "worker-test"

	tp := telemetry.NewNopProvider()
	w, err := worker.New(cfg, worker.Deps{Queue: q, Registry: reg, Wakeups: wake}, logger.NewNop(), tp)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{w: w, tp: tp, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = w.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() { h.stop() })
	return h
}

// stop cancels the worker and reports whether Run returned in time.
func (h *harness) stop() bool {
	h.cancel()
	select {
	case <-h.done:
		return true
	case <-time.After(3 * time.Second):
		return false
	}
}

func TestWorker_AcksAndFailsByOutcome(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.TestHandler())
	reg.Register(domain.JobHarvestSource, worker.HandlerFunc(func(context.Context, *domain.Job) error {
		return &domain.ProviderFetchError{Provider: "apify", Op: "start run", StatusCode: 503, Retryable: true}
	}))
	reg.Register(domain.JobEnrichItem, worker.HandlerFunc(func(context.Context, *domain.Job) error {
		return domain.ErrInsufficientCredits
	}))

	q := &fakeQueue{}
	q.push(
		testJob("ok", domain.JobTest),
		testJob("retry", domain.JobHarvestSource),
		testJob("terminal", domain.JobEnrichItem),
		testJob("unknown", domain.JobType("NOPE")),
	)
	h := start(t, worker.Config{Concurrency: 2}, reg, q, nil)

	require.Eventually(t, func() bool {
		acked, failures, _ := q.snapshot()
		return len(acked)+len(failures) == 4
	}, 2*time.Second, 5*time.Millisecond)

	acked, failures, _ := q.snapshot()
	assert.Equal(t, []string{"ok"}, acked)

	kinds := make(map[string]string)
	for _, f := range failures {
		kinds[f.jobID] = domain.ErrorKind(f.cause)
	}
	assert.Equal(t, map[string]string{
		"retry":    domain.KindProviderFetchFailed,
		"terminal": domain.KindInsufficientCredits,
		"unknown":  domain.KindInvalidInput,
	}, kinds)

	m := h.tp.Metrics
	assert.InDelta(t, 1, promtestutil.ToFloat64(m.JobsProcessed.WithLabelValues("TEST_JOB", "succeeded")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(m.JobsProcessed.WithLabelValues("HARVEST_SOURCE", "retried")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(m.JobsProcessed.WithLabelValues("ENRICH_ITEM", "failed")), 0)
}

func TestWorker_JobTimeoutIsRetryable(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.HandlerFunc(func(ctx context.Context, _ *domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	q := &fakeQueue{}
	q.push(testJob("slow", domain.JobTest))
	start(t, worker.Config{JobTimeout: 20 * time.Millisecond}, reg, q, nil)

	require.Eventually(t, func() bool {
		_, failures, _ := q.snapshot()
		return len(failures) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, failures, _ := q.snapshot()
	assert.ErrorIs(t, failures[0].cause, domain.ErrJobTimeout)
	assert.ErrorIs(t, failures[0].cause, context.DeadlineExceeded)
	assert.True(t, domain.IsRetryable(failures[0].cause))
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.HandlerFunc(func(context.Context, *domain.Job) error {
		panic("nil map")
	}))

	q := &fakeQueue{}
	q.push(testJob("boom", domain.JobTest))
	start(t, worker.Config{}, reg, q, nil)

	require.Eventually(t, func() bool {
		_, failures, _ := q.snapshot()
		return len(failures) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, failures, _ := q.snapshot()
	assert.Contains(t, failures[0].cause.Error(), "handler panic: nil map")
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.HandlerFunc(func(context.Context, *domain.Job) error {
		<-release
		return nil
	}))

	q := &fakeQueue{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.push(testJob(id, domain.JobTest))
	}
	h := start(t, worker.Config{Concurrency: 2}, reg, q, nil)

	require.Eventually(t, func() bool { return h.w.Stats().Busy == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_, _, claimed := q.snapshot()
	assert.Equal(t, 2, claimed)
	assert.InDelta(t, 2, promtestutil.ToFloat64(h.tp.Metrics.WorkersBusy), 0)

	close(release)
	require.Eventually(t, func() bool {
		acked, _, _ := q.snapshot()
		return len(acked) == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.w.Stats().Succeeded == 5 }, time.Second, 5*time.Millisecond)
}

func TestWorker_DrainsInFlightJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.HandlerFunc(func(ctx context.Context, _ *domain.Job) error {
		close(started)
		<-release
		return ctx.Err()
	}))

	q := &fakeQueue{}
	q.push(testJob("inflight", domain.JobTest))
	h := start(t, worker.Config{DrainTimeout: 2 * time.Second}, reg, q, nil)

	<-started
	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	require.True(t, h.stop(), "worker did not stop")
	require.NoError(t, h.err)

	acked, failures, _ := q.snapshot()
	assert.Equal(t, []string{"inflight"}, acked)
	assert.Empty(t, failures)
}

func TestWorker_WakeupTriggersClaim(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.TestHandler())

	q := &fakeQueue{}
	wake := &fakeWakeups{ch: make(chan struct{}, 1)}
	start(t, worker.Config{PollInterval: time.Hour}, reg, q, wake)

	time.Sleep(20 * time.Millisecond)
	q.push(testJob("woken", domain.JobTest))
	wake.ch <- struct{}{}

	require.Eventually(t, func() bool {
		acked, _, _ := q.snapshot()
		return len(acked) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_LockLostOnAck(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register(domain.JobTest, worker.TestHandler())

	q := &fakeQueue{ackErr: domain.ErrLockLost}
	q.push(testJob("stolen", domain.JobTest))
	h := start(t, worker.Config{}, reg, q, nil)

	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(h.tp.Metrics.JobsProcessed.WithLabelValues("TEST_JOB", "lock_lost")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_Maintain(t *testing.T) {
	q := &fakeQueue{recovered: 2, cleaned: 7}
	runs := &fakeRuns{expired: 1}

	w, err := worker.New(worker.Config{
		ID:         "w",
		JobTimeout: time.Second,
		Retention:  time.Hour,
		StaleAfter: 30 * time.Minute,
	}, worker.Deps{Queue: q, Registry: worker.NewRegistry(), Runs: runs}, logger.NewNop(), telemetry.NewNopProvider())
	require.NoError(t, err)

	report := w.Maintain(context.Background())
	assert.Equal(t, worker.MaintenanceReport{Requeued: 2, RunsExpired: 1, Cleaned: 7}, report)
	assert.Equal(t, 1, runs.calls)
	assert.Equal(t, 1, q.statsRuns)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := worker.New(worker.Config{Concurrency: 500, JobTimeout: time.Second},
		worker.Deps{Queue: &fakeQueue{}, Registry: worker.NewRegistry()}, logger.NewNop(), telemetry.NewNopProvider())
	require.Error(t, err)

	_, err = worker.New(worker.Config{JobTimeout: time.Second}, worker.Deps{}, logger.NewNop(), telemetry.NewNopProvider())
	require.Error(t, err)
}
