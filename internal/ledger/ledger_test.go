package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/ledger"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
	"github.com/jonesrussell/north-cloud/harvester/internal/testutil"
)

var transactionCols = []string{
	"id", "user_id", "amount", "reason", "metadata", "idempotency_key", "balance_after", "created_at",
}

func newService(t *testing.T) (*ledger.Service, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})

	repo := database.NewLedgerRepository(sqlx.NewDb(mockDB, "postgres"))
	svc := ledger.NewService(repo, ledger.Config{}, logger.NewNop(), telemetry.NewNopProvider().Metrics)
	return svc, mock
}

func TestAddCredits_BonusAppendsOneTransaction(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_accounts SET balance = balance \\+").
		WithArgs(int64(10000), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(10250)))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs(sqlmock.AnyArg(), "user-1", int64(10000), "bonus", []byte(`{"campaign":"launch"}`), nil, int64(10250)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	txn, err := svc.AddCredits(context.Background(), "user-1", 10000, domain.ReasonBonus,
		ledger.WithMetadata(map[string]any{"campaign": "launch"}))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), txn.Amount)
	assert.Equal(t, int64(10250), txn.BalanceAfter)
	assert.Equal(t, domain.ReasonBonus, txn.Reason)
}

func TestMutations_RejectInvalidInputBeforeTouchingStorage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AddCredits(ctx, "user-1", 0, domain.ReasonBonus)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.AddCredits(ctx, "user-1", -5, domain.ReasonBonus)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Debit(ctx, "user-1", -5, domain.ReasonAIEnrichment)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Debit(ctx, "user-1", 5, domain.ReasonCode("gift"))
	require.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestDebit_InsufficientLeavesStateUnchanged(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_accounts SET balance = balance - \\$1").
		WithArgs(int64(60), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := svc.Debit(context.Background(), "user-1", 60, domain.ReasonAIEnrichment)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestGrantFreeTestCredits_OnlyOnce(t *testing.T) {
	svc, mock := newService(t)
	ctx := context.Background()
	created := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credit_transactions").
		WithArgs("user-1", ledger.FreeTestCreditsKey).
		WillReturnRows(sqlmock.NewRows(transactionCols))
	mock.ExpectQuery("UPDATE credit_accounts").
		WithArgs(int64(ledger.DefaultFreeTestCredits), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectCommit()

	first, err := svc.GrantFreeTestCredits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.Amount)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credit_transactions").
		WithArgs("user-1", ledger.FreeTestCreditsKey).
		WillReturnRows(sqlmock.NewRows(transactionCols).AddRow(
			first.ID, "user-1", int64(100), "free-test-credits", []byte(`{}`),
			ledger.FreeTestCreditsKey, int64(100), created))
	mock.ExpectRollback()

	second, err := svc.GrantFreeTestCredits(ctx, "user-1")
	require.ErrorIs(t, err, ledger.ErrAlreadyGranted)
	assert.Equal(t, first.ID, second.ID)
}

func TestOpenAccount_Idempotent(t *testing.T) {
	svc, mock := newService(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO credit_accounts").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_accounts").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestDebit_ConcurrentSpendersNeverOverdraw(t *testing.T) {
	tests := []struct {
		name      string
		balance   int64
		spenders  int
		amount    int64
		wantOK    int
		wantFinal int64
	}{
		{"two debits of the whole balance", 60, 2, 60, 1, 0},
		{"many small debits", 60, 100, 1, 60, 0},
		{"uneven debits", 100, 10, 30, 3, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemoryLedgerStore(map[string]int64{"user-1": tt.balance})
			svc := ledger.NewService(store, ledger.Config{}, logger.NewNop(), telemetry.NewNopProvider().Metrics)

			var (
				wg          sync.WaitGroup
				mu          sync.Mutex
				ok, refused int
				unexpected  []error
			)
			for range tt.spenders {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Debit(context.Background(), "user-1", tt.amount, domain.ReasonAIEnrichment)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, domain.ErrInsufficientCredits):
						refused++
					default:
						unexpected = append(unexpected, err)
					}
				}()
			}
			wg.Wait()

			require.Empty(t, unexpected)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.spenders-tt.wantOK, refused)

			balance, err := svc.GetBalance(context.Background(), "user-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantFinal, balance)
			assert.GreaterOrEqual(t, balance, int64(0))
			assert.Len(t, store.Transactions(), tt.wantOK)
		})
	}
}
