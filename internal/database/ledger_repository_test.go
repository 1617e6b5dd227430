package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

var transactionCols = []string{
	"id", "user_id", "amount", "reason", "metadata", "idempotency_key", "balance_after", "created_at",
}

func TestLedgerRepository_ApplyCredit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewLedgerRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE credit_accounts SET balance = balance \\+ \\$1").
		WithArgs(int64(10000), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(10100)))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs(sqlmock.AnyArg(), "user-1", int64(10000), domain.ReasonBonus, sqlmock.AnyArg(), nil, int64(10100)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	txn, replayed, err := repo.Apply(context.Background(), database.ApplyParams{
		UserID: "user-1",
		Amount: 10000,
		Reason: domain.ReasonBonus,
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(10100), txn.BalanceAfter)
	assert.Equal(t, now, txn.CreatedAt)
	assert.Nil(t, txn.IdempotencyKey)

	expectationsMet(t, mock)
}

func TestLedgerRepository_ApplyReplaysIdempotencyKey(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credit_transactions").
		WithArgs("user-1", "ai:inv-1:estimate").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("txn-1", "user-1", int64(-50), "ai-enrichment", []byte(`{"phase":"estimate"}`),
				"ai:inv-1:estimate", int64(50), time.Now()))
	mock.ExpectRollback()

	txn, replayed, err := repo.Apply(context.Background(), database.ApplyParams{
		UserID:         "user-1",
		Amount:         -50,
		Reason:         domain.ReasonAIEnrichment,
		IdempotencyKey: "ai:inv-1:estimate",
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "txn-1", txn.ID)
	assert.Equal(t, "estimate", txn.Metadata["phase"])

	expectationsMet(t, mock)
}

func TestLedgerRepository_ApplyDebitFailures(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{"insufficient balance", true, domain.ErrInsufficientCredits},
		{"unknown user", false, domain.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := database.NewLedgerRepository(db)

			mock.ExpectBegin()
			mock.ExpectQuery("UPDATE credit_accounts SET balance = balance - \\$1").
				WithArgs(int64(60), "user-1").
				WillReturnRows(sqlmock.NewRows([]string{"balance"}))
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs("user-1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			mock.ExpectRollback()

			_, _, err := repo.Apply(context.Background(), database.ApplyParams{
				UserID: "user-1",
				Amount: -60,
				Reason: domain.ReasonAIEnrichment,
			})
			require.ErrorIs(t, err, tt.wantErr)

			expectationsMet(t, mock)
		})
	}
}

func TestLedgerRepository_DebitIsGuardedByBalance(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE credit_accounts SET balance = balance - \$1, updated_at = NOW\(\)\s+WHERE user_id = \$2 AND balance >= \$1\s+RETURNING balance`).
		WithArgs(int64(60), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs(sqlmock.AnyArg(), "user-1", int64(-60), domain.ReasonAIEnrichment, sqlmock.AnyArg(), nil, int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	txn, _, err := repo.Apply(context.Background(), database.ApplyParams{
		UserID: "user-1",
		Amount: -60,
		Reason: domain.ReasonAIEnrichment,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), txn.BalanceAfter)

	expectationsMet(t, mock)
}

func TestLedgerRepository_ApplyConcurrentKeyReturnsWinner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewLedgerRepository(db)
	key := "free-test-credits"

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM credit_transactions").
		WithArgs("user-1", key).
		WillReturnRows(sqlmock.NewRows(transactionCols))
	mock.ExpectQuery("UPDATE credit_accounts").
		WithArgs(int64(100), "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(200)))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT .* FROM credit_transactions").
		WithArgs("user-1", key).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("txn-winner", "user-1", int64(100), "free-test-credits", []byte(`{}`), key, int64(100), time.Now()))

	txn, replayed, err := repo.Apply(context.Background(), database.ApplyParams{
		UserID:         "user-1",
		Amount:         100,
		Reason:         domain.ReasonFreeTestCredits,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "txn-winner", txn.ID)
	assert.Equal(t, int64(100), txn.BalanceAfter)

	expectationsMet(t, mock)
}

func TestLedgerRepository_ReconcileRewritesDrift(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance FROM credit_accounts WHERE user_id = \\$1 FOR UPDATE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(90)))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\)").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(70)))
	mock.ExpectExec("UPDATE credit_accounts SET balance = \\$1").
		WithArgs(int64(70), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, database.ReconcileResult{Cached: 90, Computed: 70, Corrected: true}, res)

	expectationsMet(t, mock)
}

func TestLedgerRepository_GetBalanceUnknownUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewLedgerRepository(db)

	mock.ExpectQuery("SELECT balance FROM credit_accounts").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	_, err := repo.GetBalance(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	expectationsMet(t, mock)
}
