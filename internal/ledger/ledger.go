// Package ledger is the per-user credit balance and its append-only transaction log.
//
// The cached balance in credit_accounts is a projection of credit_transactions.
// Every mutation changes both in one database transaction, and Reconcile rebuilds
// the projection from the log.
package ledger

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

// FreeTestCreditsKey is the idempotency key of the one-time free grant.
const FreeTestCreditsKey = "free-test-credits"

// DefaultFreeTestCredits is granted when no amount is configured.
const DefaultFreeTestCredits = 100

// ErrAlreadyGranted is returned with the original transaction when free credits were already granted.
var ErrAlreadyGranted = errors.New("free test credits already granted")

// Store is the persistence the ledger needs.
type Store interface {
	CreateAccount(ctx context.Context, userID string) (bool, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	Apply(ctx context.Context, p database.ApplyParams) (*domain.CreditTransaction, bool, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*domain.CreditTransaction, error)
	Reconcile(ctx context.Context, userID string) (database.ReconcileResult, error)
	SpendByModel(ctx context.Context, userID string, since time.Time) ([]*domain.ModelSpend, error)
}

// ReconcileResult compares the cached balance with the log.
type ReconcileResult = database.ReconcileResult

// Config holds ledger settings.
type Config struct {
	FreeTestCredits int64
}

// Service is the credit ledger.
type Service struct {
	store           Store
	log             logger.Logger
	metrics         *telemetry.Metrics
	freeTestCredits int64
}

// NewService creates a ledger over store.
func NewService(store Store, cfg Config, log logger.Logger, metrics *telemetry.Metrics) *Service {
	if cfg.FreeTestCredits <= 0 {
		cfg.FreeTestCredits = DefaultFreeTestCredits
	}
	return &Service{
		store:           store,
		log:             log.With(logger.Component("ledger")),
		metrics:         metrics,
		freeTestCredits: cfg.FreeTestCredits,
	}
}

// Option customizes a single mutation.
type Option func(*mutation)

type mutation struct {
	idempotencyKey string
	metadata       domain.JSONBMap
}

// WithIdempotencyKey makes a repeated mutation with the same key return the original transaction.
func WithIdempotencyKey(key string) Option {
	return func(m *mutation) { m.idempotencyKey = key }
}

// WithMetadata attaches free-form metadata to the transaction.
func WithMetadata(md map[string]any) Option {
	return func(m *mutation) { m.metadata = domain.JSONBMap(md) }
}

// OpenAccount creates a zero-balance account. It is safe to call repeatedly.
func (s *Service) OpenAccount(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, domain.ErrUserNotFound
	}
	created, err := s.store.CreateAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	if created {
		s.log.Info("Credit account opened", logger.UserID(userID))
	}
	return created, nil
}

// GetBalance returns the current balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	return s.store.GetBalance(ctx, userID)
}

// AddCredits credits amount to userID.
func (s *Service) AddCredits(
	ctx context.Context, userID string, amount int64, reason domain.ReasonCode, opts ...Option,
) (*domain.CreditTransaction, error) {
	return s.apply(ctx, "add", userID, amount, reason, opts)
}

// Debit removes amount from userID. It fails with ErrInsufficientCredits and leaves
// state unchanged when the balance does not cover amount.
func (s *Service) Debit(
	ctx context.Context, userID string, amount int64, reason domain.ReasonCode, opts ...Option,
) (*domain.CreditTransaction, error) {
	return s.apply(ctx, "debit", userID, -amount, reason, opts)
}

func (s *Service) apply(
	ctx context.Context, op, userID string, signed int64, reason domain.ReasonCode, opts []Option,
) (*domain.CreditTransaction, error) {
	if signed == 0 || (op == "add") != (signed > 0) {
		return nil, domain.ErrInvalidAmount
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidReason, reason)
	}

	m := mutation{}
	for _, opt := range opts {
		opt(&m)
	}

	txn, replayed, err := s.store.Apply(ctx, database.ApplyParams{
		UserID:         userID,
		Amount:         signed,
		Reason:         reason,
		Metadata:       m.metadata,
		IdempotencyKey: m.idempotencyKey,
	})
	if err != nil {
		s.metrics.LedgerOperations.WithLabelValues(op, domain.ErrorKind(err)).Inc()
		if !errors.Is(err, domain.ErrInsufficientCredits) {
			s.log.Warn("Ledger mutation failed",
				logger.UserID(userID),
				logger.String("operation", op),
				logger.Int64("amount", signed),
				logger.Error(err),
			)
		}
		return nil, err
	}

	if replayed {
		s.metrics.LedgerOperations.WithLabelValues(op, "replayed").Inc()
		s.log.Debug("Ledger mutation replayed",
			logger.UserID(userID),
			logger.String("idempotency_key", m.idempotencyKey),
			logger.String("transaction_id", txn.ID),
		)
		return txn, nil
	}

	direction := "credit"
	magnitude := signed
	if signed < 0 {
		direction = "debit"
		magnitude = -signed
	}
	s.metrics.LedgerOperations.WithLabelValues(op, "applied").Inc()
	s.metrics.CreditsMoved.WithLabelValues(string(reason), direction).Add(float64(magnitude))

	s.log.Debug("Ledger mutation applied",
		logger.UserID(userID),
		logger.String("reason", string(reason)),
		logger.Int64("amount", signed),
		logger.Int64("balance_after", txn.BalanceAfter),
	)
	return txn, nil
}

// GrantFreeTestCredits grants the configured free credits once per user. A repeated call
// returns the original grant together with ErrAlreadyGranted.
func (s *Service) GrantFreeTestCredits(ctx context.Context, userID string) (*domain.CreditTransaction, error) {
	txn, replayed, err := s.store.Apply(ctx, database.ApplyParams{
		UserID:         userID,
		Amount:         s.freeTestCredits,
		Reason:         domain.ReasonFreeTestCredits,
		IdempotencyKey: FreeTestCreditsKey,
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return txn, ErrAlreadyGranted
	}

	s.metrics.CreditsMoved.WithLabelValues(string(domain.ReasonFreeTestCredits), "credit").Add(float64(s.freeTestCredits))
	s.log.Info("Free test credits granted", logger.UserID(userID), logger.Int64("amount", s.freeTestCredits))
	return txn, nil
}

// History lists transactions of userID, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]*domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, userID, limit, offset)
}

// Reconcile rebuilds the cached balance of userID from its transaction log.
func (s *Service) Reconcile(ctx context.Context, userID string) (ReconcileResult, error) {
	res, err := s.store.Reconcile(ctx, userID)
	if err != nil {
		return res, err
	}
	if res.Corrected {
		s.log.Warn("Credit balance drift corrected",
			logger.UserID(userID),
			logger.Int64("cached", res.Cached),
			logger.Int64("computed", res.Computed),
		)
	}
	return res, nil
}

// SpendByModel reports net ai-enrichment credits per model since the given time.
func (s *Service) SpendByModel(ctx context.Context, userID string, since time.Time) ([]*domain.ModelSpend, error) {
	return s.store.SpendByModel(ctx, userID, since)
}
