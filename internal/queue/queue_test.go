package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

func newQueue(t *testing.T, notifier queue.Notifier, cfg queue.Config) (*queue.Queue, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})

	store := database.NewJobRepository(sqlx.NewDb(mockDB, "postgres"))
	return queue.New(store, notifier, cfg, logger.NewNop(), telemetry.NewNopProvider().Metrics), mock
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func expectCreate(mock sqlmock.Sqlmock, jobType string, maxAttempts int) {
	now := time.Now()
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), jobType, sqlmock.AnyArg(), "user-1", maxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"status", "enqueued_at", "visible_at", "updated_at"}).
			AddRow("queued", now, now, now))
}

func TestEnqueue_AppliesPerTypeAttemptPolicy(t *testing.T) {
	q, mock := newQueue(t, nil, queue.Config{MaxAttempts: map[string]int{"HARVEST_SOURCE": 5}})

	expectCreate(mock, "HARVEST_SOURCE", 5)
	expectCreate(mock, "ENRICH_ITEM", 3)
	expectCreate(mock, "TEST_JOB", 1)

	ctx := context.Background()
	h, err := q.Enqueue(ctx, queue.JobRequest{
		Type:    domain.JobHarvestSource,
		Payload: domain.HarvestSourcePayload{SourceID: "src-1"},
		UserID:  "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, h.MaxAttempts)
	assert.NotEmpty(t, h.ID)

	_, err = q.Enqueue(ctx, queue.JobRequest{
		Type:    domain.JobEnrichItem,
		Payload: domain.EnrichItemPayload{ContentItemID: "item-1"},
		UserID:  "user-1",
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, queue.JobRequest{
		Type:    domain.JobTest,
		Payload: domain.TestJobPayload{Message: "ping"},
		UserID:  "user-1",
	})
	require.NoError(t, err)
}

func TestEnqueue_RejectsUnknownTypeWithoutWriting(t *testing.T) {
	q, _ := newQueue(t, nil, queue.Config{})

	_, err := q.Enqueue(context.Background(), queue.JobRequest{Type: "REINDEX", UserID: "user-1"})
	require.ErrorIs(t, err, domain.ErrInvalidJobType)

	_, err = q.Enqueue(context.Background(), queue.JobRequest{Type: domain.JobTest})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestEnqueue_PublishesWakeup(t *testing.T) {
	client := newRedis(t)
	notifier := queue.NewRedisNotifier(client, "", logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := client.Subscribe(ctx, queue.DefaultWakeupChannel)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	q, mock := newQueue(t, notifier, queue.Config{})
	expectCreate(mock, "TEST_JOB", 1)

	h, err := q.Enqueue(ctx, queue.JobRequest{Type: domain.JobTest, UserID: "user-1"})
	require.NoError(t, err)

	select {
	case msg := <-pubsub.Channel():
		var wakeup queue.Wakeup
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &wakeup))
		assert.Equal(t, h.ID, wakeup.JobID)
		assert.Equal(t, domain.JobTest, wakeup.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up published")
	}
}

func TestEnqueue_SucceedsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	q, mock := newQueue(t, queue.NewRedisNotifier(client, "", logger.NewNop()), queue.Config{})
	expectCreate(mock, "TEST_JOB", 1)

	_, err := q.Enqueue(context.Background(), queue.JobRequest{Type: domain.JobTest, UserID: "user-1"})
	require.NoError(t, err)
}

func TestListen_SignalsOnPublish(t *testing.T) {
	client := newRedis(t)
	notifier := queue.NewRedisNotifier(client, "test:wake", logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	wake, err := notifier.Listen(ctx)
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(ctx, &domain.Job{ID: "job-1", Type: domain.JobTest}))

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not woken")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-wake:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFail_ClassifiesCause(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		retryable bool
		kind      string
	}{
		{"insufficient credits is terminal", domain.ErrInsufficientCredits, false, domain.KindInsufficientCredits},
		{"model failure retries", &domain.ModelInvocationError{Model: "m", Detail: "overloaded"}, true,
			domain.KindModelInvocationFailed},
		{"rate limited fetch retries", &domain.ProviderFetchError{Provider: "apify", Op: "start run",
			StatusCode: 429, Retryable: true}, true, domain.KindProviderFetchFailed},
		{"not found fetch is terminal", &domain.ProviderFetchError{Provider: "apify", Op: "start run",
			StatusCode: 404}, false, domain.KindProviderFetchFailed},
		{"source inactive is terminal", domain.ErrSourceInactive, false, domain.KindSourceInactive},
		{"unknown error retries", assert.AnError, true, domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, mock := newQueue(t, nil, queue.Config{BackoffBase: time.Second})

			status := "failed"
			if tt.retryable {
				status = "queued"
			}
			mock.ExpectQuery("UPDATE jobs SET").
				WithArgs("job-1", "worker-1", tt.retryable, int64(1000), tt.cause.Error(), tt.kind).
				WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "visible_at"}).
					AddRow(status, 1, time.Now()))

			res, err := q.Fail(context.Background(), "job-1", "worker-1", tt.cause)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatus(status), res.Status)
		})
	}
}

func TestFail_LockLost(t *testing.T) {
	q, mock := newQueue(t, nil, queue.Config{})

	mock.ExpectQuery("UPDATE jobs SET").
		WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "visible_at"}))

	_, err := q.Fail(context.Background(), "job-1", "worker-1", assert.AnError)
	require.ErrorIs(t, err, domain.ErrLockLost)
}

func TestRecoverExpired_MarksExhaustedJobsLockExpired(t *testing.T) {
	q, mock := newQueue(t, nil, queue.Config{})

	mock.ExpectQuery("WITH expired AS").
		WithArgs(domain.KindLockExpired).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued").AddRow("failed").AddRow("queued"))

	requeued, failed, err := q.RecoverExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)
	assert.Equal(t, 1, failed)
}

func TestDispatch_UsesVisibilityTimeout(t *testing.T) {
	q, mock := newQueue(t, nil, queue.Config{VisibilityTimeout: 2 * time.Minute})

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1", int64(120000)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := q.Dispatch(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}
