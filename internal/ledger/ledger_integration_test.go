//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/ledger"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
	"github.com/jonesrussell/north-cloud/harvester/internal/testutil"
)

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	db := testutil.StartPostgres(t)
	svc := ledger.NewService(database.NewLedgerRepository(db), ledger.Config{}, logger.NewNop(),
		telemetry.NewNopProvider().Metrics)
	ctx := context.Background()

	_, err := svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.AddCredits(ctx, "user-1", 100, domain.ReasonBonus)
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, debitErr := svc.Debit(ctx, "user-1", 60, domain.ReasonAIEnrichment)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case debitErr == nil:
				succeeded++
			case errors.Is(debitErr, domain.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected debit error: %v", debitErr)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)

	history, err := svc.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	res, err := svc.Reconcile(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	assert.Equal(t, int64(40), res.Computed)
}

func TestLedger_IdempotencyKeyAppliesOnce(t *testing.T) {
	db := testutil.StartPostgres(t)
	svc := ledger.NewService(database.NewLedgerRepository(db), ledger.Config{}, logger.NewNop(),
		telemetry.NewNopProvider().Metrics)
	ctx := context.Background()

	_, err := svc.OpenAccount(ctx, "user-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, addErr := svc.AddCredits(ctx, "user-1", 25, domain.ReasonReferralCommission,
				ledger.WithIdempotencyKey("referral:abc"))
			if assert.NoError(t, addErr) {
				ids[i] = txn.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	balance, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}
