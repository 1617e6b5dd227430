package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

const transactionColumns = `id, user_id, amount, reason, metadata, idempotency_key, balance_after, created_at`

// LedgerRepository persists credit accounts and their append-only transaction log.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ApplyParams describes one balance change. Amount is signed: positive credits, negative debits.
type ApplyParams struct {
	UserID         string
	Amount         int64
	Reason         domain.ReasonCode
	Metadata       domain.JSONBMap
	IdempotencyKey string
}

// CreateAccount opens a zero-balance account. It reports false when one already existed.
func (r *LedgerRepository) CreateAccount(ctx context.Context, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to create credit account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create credit account: %w", err)
	}
	return n > 0, nil
}

// GetBalance returns the cached balance of userID.
func (r *LedgerRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.GetContext(ctx, &balance, `SELECT balance FROM credit_accounts WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Apply changes the balance and appends the matching transaction in one database transaction.
//
// When IdempotencyKey is set and a transaction with that key exists for the user, the
// existing row is returned with replayed=true and nothing changes. A debit only applies
// while the balance covers it; otherwise ErrInsufficientCredits (or ErrUserNotFound) is
// returned and state is unchanged.
func (r *LedgerRepository) Apply(ctx context.Context, p ApplyParams) (txn *domain.CreditTransaction, replayed bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if p.IdempotencyKey != "" {
		existing, findErr := findTransactionByKey(ctx, tx, p.UserID, p.IdempotencyKey)
		if findErr == nil {
			return existing, true, nil
		}
		if !errors.Is(findErr, sql.ErrNoRows) {
			return nil, false, findErr
		}
	}

	balance, err := updateBalance(ctx, tx, p.UserID, p.Amount)
	if err != nil {
		return nil, false, err
	}

	txn = &domain.CreditTransaction{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Amount:         p.Amount,
		Reason:         p.Reason,
		Metadata:       p.Metadata,
		IdempotencyKey: nullString(p.IdempotencyKey),
		BalanceAfter:   balance,
	}

	insertErr := tx.QueryRowxContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, reason, metadata, idempotency_key, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		txn.ID, txn.UserID, txn.Amount, txn.Reason, txn.Metadata, txn.IdempotencyKey, txn.BalanceAfter,
	).Scan(&txn.CreatedAt)
	if insertErr != nil {
		if isUniqueViolation(insertErr) && p.IdempotencyKey != "" {
			// A concurrent request with the same key committed first.
			_ = tx.Rollback()
			existing, findErr := findTransactionByKey(ctx, r.db, p.UserID, p.IdempotencyKey)
			if findErr != nil {
				return nil, false, fmt.Errorf("failed to load concurrent transaction: %w", findErr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to insert credit transaction: %w", insertErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, false, fmt.Errorf("failed to commit ledger transaction: %w", commitErr)
	}

	return txn, false, nil
}

// updateBalance applies amount atomically. Debits use a conditional update so the
// row lock linearizes concurrent spenders and the balance never goes negative.
func updateBalance(ctx context.Context, tx *sqlx.Tx, userID string, amount int64) (int64, error) {
	var balance int64

	if amount > 0 {
		err := tx.GetContext(ctx, &balance, `
			UPDATE credit_accounts SET balance = balance + $1, updated_at = NOW()
			WHERE user_id = $2
			RETURNING balance`, amount, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, domain.ErrUserNotFound
			}
			return 0, fmt.Errorf("failed to credit balance: %w", err)
		}
		return balance, nil
	}

	err := tx.GetContext(ctx, &balance, `
		UPDATE credit_accounts SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance`, -amount, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}

	var exists bool
	if existsErr := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)`, userID); existsErr != nil {
		return 0, fmt.Errorf("failed to check credit account: %w", existsErr)
	}
	if !exists {
		return 0, domain.ErrUserNotFound
	}
	return 0, domain.ErrInsufficientCredits
}

func findTransactionByKey(ctx context.Context, q sqlx.QueryerContext, userID, key string) (*domain.CreditTransaction, error) {
	var txn domain.CreditTransaction
	err := sqlx.GetContext(ctx, q, &txn, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find transaction by idempotency key: %w", err)
	}
	return &txn, nil
}

// ListTransactions returns a page of transactions, newest first.
func (r *LedgerRepository) ListTransactions(
	ctx context.Context, userID string, limit, offset int,
) ([]*domain.CreditTransaction, error) {
	txns := make([]*domain.CreditTransaction, 0, limit)
	err := r.db.SelectContext(ctx, &txns, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	return txns, nil
}

// ReconcileResult compares the cached balance with the sum of the log.
type ReconcileResult struct {
	Cached    int64
	Computed  int64
	Corrected bool
}

// Reconcile rebuilds the cached balance from the transaction log under a row lock.
func (r *LedgerRepository) Reconcile(ctx context.Context, userID string) (ReconcileResult, error) {
	var res ReconcileResult

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	err = tx.GetContext(ctx, &res.Cached,
		`SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, domain.ErrUserNotFound
		}
		return res, fmt.Errorf("failed to lock credit account: %w", err)
	}

	err = tx.GetContext(ctx, &res.Computed,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`, userID)
	if err != nil {
		return res, fmt.Errorf("failed to sum credit transactions: %w", err)
	}

	if res.Cached != res.Computed {
		if _, err = tx.ExecContext(ctx,
			`UPDATE credit_accounts SET balance = $1, updated_at = NOW() WHERE user_id = $2`,
			res.Computed, userID); err != nil {
			return res, fmt.Errorf("failed to rewrite cached balance: %w", err)
		}
		res.Corrected = true
	}

	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit reconcile transaction: %w", err)
	}
	return res, nil
}

// SpendByModel sums net ai-enrichment spend per model since the given time.
func (r *LedgerRepository) SpendByModel(ctx context.Context, userID string, since time.Time) ([]*domain.ModelSpend, error) {
	var spend []*domain.ModelSpend
	err := r.db.SelectContext(ctx, &spend, `
		SELECT COALESCE(metadata ->> 'model', 'unknown') AS model,
		       -SUM(amount) AS credits,
		       COUNT(*) AS transactions
		FROM credit_transactions
		WHERE user_id = $1 AND reason = $2 AND created_at >= $3
		GROUP BY 1
		ORDER BY credits DESC`, userID, domain.ReasonAIEnrichment, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate spend by model: %w", err)
	}
	return spend, nil
}
