package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// MemoryLedgerStore is an in-process ledger store with the same balance and
// idempotency rules as the Postgres repository. Like a database call, GetBalance and
// Apply fail once ctx is done.
type MemoryLedgerStore struct {
	mu       sync.Mutex
	balances map[string]int64
	txns     []*domain.CreditTransaction
}

// NewMemoryLedgerStore returns a store seeded with the given balances.
func NewMemoryLedgerStore(balances map[string]int64) *MemoryLedgerStore {
	s := &MemoryLedgerStore{balances: make(map[string]int64)}
	for user, b := range balances {
		s.balances[user] = b
	}
	return s
}

// CreateAccount opens a zero-balance account.
func (s *MemoryLedgerStore) CreateAccount(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; ok {
		return false, nil
	}
	s.balances[userID] = 0
	return true, nil
}

// GetBalance returns the cached balance.
func (s *MemoryLedgerStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	return b, nil
}

// Apply mutates the balance and appends a transaction.
func (s *MemoryLedgerStore) Apply(
	ctx context.Context, p database.ApplyParams,
) (*domain.CreditTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != "" {
		for _, t := range s.txns {
			if t.UserID == p.UserID && t.IdempotencyKey != nil && *t.IdempotencyKey == p.IdempotencyKey {
				return t, true, nil
			}
		}
	}

	balance, ok := s.balances[p.UserID]
	if !ok {
		return nil, false, domain.ErrUserNotFound
	}
	if balance+p.Amount < 0 {
		return nil, false, domain.ErrInsufficientCredits
	}
	s.balances[p.UserID] = balance + p.Amount

	txn := &domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		Amount:       p.Amount,
		Reason:       p.Reason,
		Metadata:     p.Metadata,
		BalanceAfter: balance + p.Amount,
		CreatedAt:    time.Now(),
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		txn.IdempotencyKey = &key
	}
	s.txns = append(s.txns, txn)
	return txn, false, nil
}

// ListTransactions returns transactions of userID, newest first.
func (s *MemoryLedgerStore) ListTransactions(
	_ context.Context, userID string, limit, offset int,
) ([]*domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.CreditTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == userID {
			out = append(out, s.txns[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reconcile compares the cached balance with the transaction sum and corrects drift.
func (s *MemoryLedgerStore) Reconcile(_ context.Context, userID string) (database.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.balances[userID]
	if !ok {
		return database.ReconcileResult{}, domain.ErrUserNotFound
	}
	var computed int64
	for _, t := range s.txns {
		if t.UserID == userID {
			computed += t.Amount
		}
	}
	res := database.ReconcileResult{Cached: cached, Computed: computed, Corrected: cached != computed}
	s.balances[userID] = computed
	return res, nil
}

// SpendByModel sums ai-enrichment transactions per model metadata key, as positive spend.
func (s *MemoryLedgerStore) SpendByModel(
	_ context.Context, userID string, since time.Time,
) ([]*domain.ModelSpend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModel := make(map[string]*domain.ModelSpend)
	for _, t := range s.txns {
		if t.UserID != userID || t.Reason != domain.ReasonAIEnrichment || t.CreatedAt.Before(since) {
			continue
		}
		model, _ := t.Metadata["model"].(string)
		spend, ok := byModel[model]
		if !ok {
			spend = &domain.ModelSpend{Model: model}
			byModel[model] = spend
		}
		spend.Credits -= t.Amount
		spend.Transactions++
	}

	out := make([]*domain.ModelSpend, 0, len(byModel))
	for _, spend := range byModel {
		out = append(out, spend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// Transactions returns a copy of every stored transaction in insertion order.
func (s *MemoryLedgerStore) Transactions() []*domain.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.CreditTransaction(nil), s.txns...)
}
