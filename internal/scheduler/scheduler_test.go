package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
	"github.com/jonesrussell/north-cloud/harvester/internal/scheduler"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeSources struct {
	sources []*domain.TrackingSource
	err     error
}

func (f *fakeSources) ListSchedulable(context.Context) ([]*domain.TrackingSource, error) {
	return f.sources, f.err
}

type fakeQueue struct {
	mu         sync.Mutex
	pending    map[string]bool
	failSource string
	requests   []queue.JobRequest
}

func (q *fakeQueue) Enqueue(_ context.Context, req queue.JobRequest) (*queue.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := req.Payload.(domain.HarvestSourcePayload); ok && p.SourceID == q.failSource {
		return nil, errors.New("connection refused")
	}
	q.requests = append(q.requests, req)
	return &queue.JobHandle{ID: "job-" + req.UserID, Type: req.Type}, nil
}

func (q *fakeQueue) HasPendingHarvest(_ context.Context, sourceID string) (bool, error) {
	return q.pending[sourceID], nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

func source(id, owner string, freq domain.ParseFrequency, last *time.Time) *domain.TrackingSource {
	return &domain.TrackingSource{ID: id, UserID: owner, IsActive: true, ParseFrequency: freq, LastHarvestedAt: last}
}

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestRunOnce_EnqueuesDueSources(t *testing.T) {
	sources := &fakeSources{sources: []*domain.TrackingSource{
		source("never", "u1", domain.FrequencyDaily, nil),
		source("daily-due", "u2", domain.FrequencyDaily, ago(25*time.Hour)),
		source("daily-fresh", "u3", domain.FrequencyDaily, ago(2*time.Hour)),
		source("weekly-fresh", "u4", domain.FrequencyWeekly, ago(72*time.Hour)),
		source("3days-due", "u5", domain.FrequencyThreeDays, ago(72*time.Hour)),
		source("queued", "u6", domain.FrequencyDaily, nil),
		source("broken", "u7", domain.FrequencyDaily, nil),
	}}
	q := &fakeQueue{pending: map[string]bool{"queued": true}, failSource: "broken"}
	tp := telemetry.NewNopProvider()

	s, err := scheduler.New("", sources, q, logger.NewNop(), tp.Metrics)
	require.NoError(t, err)
	s.SetClock(func() time.Time { return now })

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &scheduler.Report{Considered: 7, Enqueued: 3, NotDue: 2, Pending: 1, Failed: 1}, report)

	var enqueued []string
	for _, req := range q.requests {
		assert.Equal(t, domain.JobHarvestSource, req.Type)
		p := req.Payload.(domain.HarvestSourcePayload)
		enqueued = append(enqueued, p.SourceID+"@"+req.UserID)
	}
	assert.Equal(t, []string{"never@u1", "daily-due@u2", "3days-due@u5"}, enqueued)

	ticks := tp.Metrics.SchedulerTicks
	assert.InDelta(t, 3, promtestutil.ToFloat64(ticks.WithLabelValues(scheduler.DecisionEnqueued)), 0)
	assert.InDelta(t, 2, promtestutil.ToFloat64(ticks.WithLabelValues(scheduler.DecisionNotDue)), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(ticks.WithLabelValues(scheduler.DecisionPending)), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(ticks.WithLabelValues(scheduler.DecisionError)), 0)
}

func TestRunOnce_ListFailure(t *testing.T) {
	s, err := scheduler.New("", &fakeSources{err: errors.New("db down")}, &fakeQueue{},
		logger.NewNop(), telemetry.NewNopProvider().Metrics)
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := scheduler.New("every now and then", &fakeSources{}, &fakeQueue{},
		logger.NewNop(), telemetry.NewNopProvider().Metrics)
	require.Error(t, err)

	_, err = scheduler.New("*/5 * * * *", &fakeSources{}, &fakeQueue{},
		logger.NewNop(), telemetry.NewNopProvider().Metrics)
	require.NoError(t, err)
}

func TestStart_TicksUntilStopped(t *testing.T) {
	sources := &fakeSources{sources: []*domain.TrackingSource{source("never", "u1", domain.FrequencyDaily, nil)}}
	q := &fakeQueue{}

	s, err := scheduler.New("@every 1s", sources, q, logger.NewNop(), telemetry.NewNopProvider().Metrics)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return q.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}
