package runs_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/runs"
)

var runCols = []string{
	"id", "source_id", "status", "started_at", "finished_at", "items_found", "items_created",
	"items_enqueued", "items_skipped", "error_kind", "error_message",
}

func newTracker(t *testing.T) (*runs.Tracker, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})

	repo := database.NewRunRepository(sqlx.NewDb(mockDB, "postgres"))
	return runs.NewTracker(repo, logger.NewNop()), mock
}

func TestStart_SecondStartForSameSourceIsRejected(t *testing.T) {
	tracker, mock := newTracker(t)

	mock.ExpectQuery("INSERT INTO parse_runs").
		WithArgs(sqlmock.AnyArg(), "src-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "started_at"}).AddRow("running", time.Now()))
	mock.ExpectQuery("INSERT INTO parse_runs").
		WithArgs(sqlmock.AnyArg(), "src-1").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "parse_runs_one_running_idx"})

	first, err := tracker.Start(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, first.Status)

	second, err := tracker.Start(context.Background(), "src-1")
	require.ErrorIs(t, err, domain.ErrRunAlreadyInProgress)
	assert.Nil(t, second)
}

func TestFinish_DerivesErrorKindFromCause(t *testing.T) {
	tracker, mock := newTracker(t)
	now := time.Now()
	cause := &domain.ProviderFetchError{Provider: "apify", Op: "poll run", StatusCode: 503, Retryable: true}

	mock.ExpectQuery("UPDATE parse_runs SET").
		WithArgs("run-1", "failed", 0, 0, 0, []byte("{}"), domain.KindProviderFetchFailed, cause.Error()).
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"run-1", "src-1", "failed", now.Add(-time.Minute), now, 0, 0, 0, []byte("{}"),
			domain.KindProviderFetchFailed, cause.Error(),
		))

	run, err := tracker.Finish(context.Background(), "run-1", domain.RunOutcome{Status: domain.RunFailed, Err: cause})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	require.NotNil(t, run.ErrorKind)
	assert.Equal(t, domain.KindProviderFetchFailed, *run.ErrorKind)
}

func TestFinish_SecondFinishIsRejected(t *testing.T) {
	tracker, mock := newTracker(t)
	now := time.Now()

	mock.ExpectQuery("UPDATE parse_runs SET").
		WillReturnRows(sqlmock.NewRows(runCols))
	mock.ExpectQuery("SELECT (.+) FROM parse_runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"run-1", "src-1", "succeeded", now.Add(-time.Minute), now, 10, 7, 7, []byte(`{"below_min_views":3}`),
			nil, nil,
		))

	_, err := tracker.Finish(context.Background(), "run-1", domain.RunOutcome{Status: domain.RunSucceeded})
	require.ErrorIs(t, err, domain.ErrRunFinalized)
}

func TestFinish_RejectsNonTerminalStatus(t *testing.T) {
	tracker, _ := newTracker(t)

	_, err := tracker.Finish(context.Background(), "run-1", domain.RunOutcome{Status: domain.RunRunning})
	require.Error(t, err)
}

func TestExpireStale_MarksRunsAbandoned(t *testing.T) {
	tracker, mock := newTracker(t)

	mock.ExpectExec("UPDATE parse_runs SET").
		WithArgs(sqlmock.AnyArg(), domain.KindAbandoned, "run exceeded 30m0s without finishing").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := tracker.ExpireStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
