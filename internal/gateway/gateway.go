// Package gateway wraps every model invocation: it prices the call, debits the
// caller's credits up front and reconciles the charge against actual usage.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/ledger"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// DefaultTimeout bounds a provider call.
const DefaultTimeout = 60 * time.Second

// Charge phases recorded in transaction metadata.
const (
	PhaseEstimate      = "estimate"
	PhaseRefund        = "refund"
	PhaseAdjustment    = "adjustment"
	PhaseFailureRefund = "failure-refund"
)

// Ledger is the subset of the credit ledger the gateway charges against.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, userID string, amount int64, reason domain.ReasonCode,
		opts ...ledger.Option) (*domain.CreditTransaction, error)
	AddCredits(ctx context.Context, userID string, amount int64, reason domain.ReasonCode,
		opts ...ledger.Option) (*domain.CreditTransaction, error)
}

// Config holds gateway settings.
type Config struct {
	Timeout       time.Duration
	CreditsPerUSD int64
}

// Request is one model invocation on behalf of a user.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	// InvocationID scopes the idempotency keys of every charge. Generated when empty.
	InvocationID string
	// Metadata is copied onto every transaction of the invocation.
	Metadata map[string]any
}

// Result reports the output and the final accounting of an invocation.
type Result struct {
	Text             string
	Model            string
	InvocationID     string
	InputTokens      int64
	OutputTokens     int64
	EstimatedCredits int64
	ChargedCredits   int64
	RefundedCredits  int64
	// Shortfall is cost the user owed beyond their balance. It was not collected.
	Shortfall      int64
	TransactionIDs []string
}

// Service is the AI gateway.
type Service struct {
	catalog  *Catalog
	provider Provider
	ledger   Ledger
	cfg      Config
	log      logger.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewService creates a gateway.
func NewService(
	catalog *Catalog, provider Provider, l Ledger, cfg Config, log logger.Logger, tp *telemetry.Provider,
) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CreditsPerUSD <= 0 {
		cfg.CreditsPerUSD = DefaultCreditsPerUSD
	}
	return &Service{
		catalog:  catalog,
		provider: provider,
		ledger:   l,
		cfg:      cfg,
		log:      log.With(logger.Component("gateway")),
		metrics:  tp.Metrics,
		tracer:   tp.Tracer,
	}
}

// Estimate returns the credits that would be pre-debited for req on modelKey.
func (s *Service) Estimate(modelKey string, req Request) (int64, error) {
	m, err := s.catalog.Lookup(modelKey)
	if err != nil {
		return 0, err
	}
	return m.Credits(EstimateTokens(req.System+req.Prompt), int64(req.MaxTokens), s.cfg.CreditsPerUSD), nil
}

// Invoke runs a priced model call for userID.
//
// The estimate is debited before the provider is called, so a user without enough
// credits fails fast with ErrInsufficientCredits. A provider failure refunds the
// estimate in full and returns a ModelInvocationError. On success the difference
// between estimate and actual cost is refunded or debited; an undershoot the balance
// cannot cover is reported as Shortfall.
func (s *Service) Invoke(ctx context.Context, userID, modelKey string, req Request) (*Result, error) {
	m, err := s.catalog.Lookup(modelKey)
	if err != nil {
		return nil, err
	}
	if req.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive", domain.ErrInvalidPayload)
	}
	if req.InvocationID == "" {
		req.InvocationID = uuid.NewString()
	}

	ctx, span := s.tracer.InvokeSpan(ctx, userID, modelKey, req.InvocationID)
	defer span.End()

	inv := &invocation{svc: s, userID: userID, model: m, req: req}
	res, err := inv.run(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.GatewayInvocations.WithLabelValues(modelKey, domain.ErrorKind(err)).Inc()
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("credits.charged", res.ChargedCredits),
		attribute.Int64("tokens.input", res.InputTokens),
		attribute.Int64("tokens.output", res.OutputTokens),
	)
	s.metrics.GatewayInvocations.WithLabelValues(modelKey, "succeeded").Inc()
	s.metrics.GatewayTokens.WithLabelValues(modelKey, "input").Add(float64(res.InputTokens))
	s.metrics.GatewayTokens.WithLabelValues(modelKey, "output").Add(float64(res.OutputTokens))
	return res, nil
}

// invocation carries the state of one Invoke call.
type invocation struct {
	svc    *Service
	userID string
	model  Model
	req    Request
	res    Result
}

func (inv *invocation) run(ctx context.Context) (*Result, error) {
	s := inv.svc
	inv.res = Result{Model: inv.model.Key, InvocationID: inv.req.InvocationID}

	estInput := EstimateTokens(inv.req.System + inv.req.Prompt)
	estimate := inv.model.Credits(estInput, int64(inv.req.MaxTokens), s.cfg.CreditsPerUSD)
	inv.res.EstimatedCredits = estimate

	txn, err := s.ledger.Debit(ctx, inv.userID, estimate, domain.ReasonAIEnrichment,
		inv.options(PhaseEstimate, map[string]any{
			"estimated_input_tokens":  estInput,
			"estimated_output_tokens": inv.req.MaxTokens,
		})...)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.log.Info("Invocation refused, insufficient credits",
				logger.UserID(inv.userID),
				logger.String("model", inv.model.Key),
				logger.Int64("estimate", estimate),
			)
		}
		return nil, fmt.Errorf("pre-debit estimate: %w", err)
	}
	inv.track(txn, PhaseEstimate, estimate)
	inv.res.ChargedCredits = estimate

	// Once the estimate is debited, refunds and adjustments must land even if the
	// caller's context ends during the provider call.
	settleCtx := context.WithoutCancel(ctx)

	gen, genErr := inv.generate(ctx)
	if genErr != nil {
		return nil, inv.refundFailure(settleCtx, estimate, genErr)
	}

	inv.res.Text = gen.Text
	inv.res.InputTokens = gen.InputTokens
	inv.res.OutputTokens = gen.OutputTokens

	actual := inv.model.Credits(gen.InputTokens, gen.OutputTokens, s.cfg.CreditsPerUSD)
	if err = inv.reconcile(settleCtx, estimate, actual); err != nil {
		return nil, err
	}
	return &inv.res, nil
}

func (inv *invocation) generate(ctx context.Context) (*Generation, error) {
	s := inv.svc
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	gen, err := s.provider.Generate(callCtx, inv.model.ProviderModel, GenerateRequest{
		System:    inv.req.System,
		Prompt:    inv.req.Prompt,
		MaxTokens: inv.req.MaxTokens,
	})
	s.metrics.GatewayLatency.WithLabelValues(inv.model.Key).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		var invErr *domain.ModelInvocationError
		if errors.As(err, &invErr) {
			return nil, err
		}
		detail := err.Error()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("provider call timed out after %s", s.cfg.Timeout)
		}
		return nil, &domain.ModelInvocationError{Model: inv.model.ProviderModel, Detail: detail, Err: err}
	case gen == nil || strings.TrimSpace(gen.Text) == "":
		return nil, &domain.ModelInvocationError{Model: inv.model.ProviderModel, Detail: "empty response"}
	default:
		return gen, nil
	}
}

// refundFailure returns the full estimate and yields the invocation error for the caller.
func (inv *invocation) refundFailure(ctx context.Context, estimate int64, cause error) error {
	s := inv.svc
	txn, err := s.ledger.AddCredits(ctx, inv.userID, estimate, domain.ReasonAIEnrichment,
		inv.options(PhaseFailureRefund, map[string]any{"error": cause.Error()})...)
	if err != nil {
		s.log.Error("Failure refund could not be applied",
			logger.UserID(inv.userID),
			logger.String("invocation_id", inv.req.InvocationID),
			logger.Int64("credits", estimate),
			logger.Error(err),
		)
		return errors.Join(cause, fmt.Errorf("refund estimate: %w", err))
	}
	inv.track(txn, PhaseFailureRefund, estimate)

	s.log.Warn("Model invocation failed, estimate refunded",
		logger.UserID(inv.userID),
		logger.String("model", inv.model.Key),
		logger.Int64("refunded", estimate),
		logger.Error(cause),
	)
	return cause
}

func (inv *invocation) reconcile(ctx context.Context, estimate, actual int64) error {
	s := inv.svc
	usage := map[string]any{
		"input_tokens":  inv.res.InputTokens,
		"output_tokens": inv.res.OutputTokens,
	}

	switch {
	case estimate > actual:
		refund := estimate - actual
		txn, err := s.ledger.AddCredits(ctx, inv.userID, refund, domain.ReasonAIEnrichment,
			inv.options(PhaseRefund, usage)...)
		if err != nil {
			return fmt.Errorf("refund overestimate: %w", err)
		}
		inv.track(txn, PhaseRefund, refund)
		inv.res.ChargedCredits = actual
		inv.res.RefundedCredits = refund

	case actual > estimate:
		owed := actual - estimate
		collected, err := inv.collect(ctx, owed, usage)
		if err != nil {
			return err
		}
		inv.res.ChargedCredits = estimate + collected
		inv.res.Shortfall = owed - collected
		if inv.res.Shortfall > 0 {
			s.metrics.GatewayShortfall.WithLabelValues(inv.model.Key).Add(float64(inv.res.Shortfall))
			s.log.Warn("Actual cost exceeded balance, shortfall not collected",
				logger.UserID(inv.userID),
				logger.String("invocation_id", inv.req.InvocationID),
				logger.Int64("owed", owed),
				logger.Int64("shortfall", inv.res.Shortfall),
			)
		}
	}
	return nil
}

// collect debits up to owed credits, capped at the current balance.
func (inv *invocation) collect(ctx context.Context, owed int64, usage map[string]any) (int64, error) {
	s := inv.svc
	balance, err := s.ledger.GetBalance(ctx, inv.userID)
	if err != nil {
		return 0, fmt.Errorf("read balance for adjustment: %w", err)
	}

	amount := min(owed, balance)
	if amount <= 0 {
		return 0, nil
	}

	txn, err := s.ledger.Debit(ctx, inv.userID, amount, domain.ReasonAIEnrichment,
		inv.options(PhaseAdjustment, usage)...)
	if errors.Is(err, domain.ErrInsufficientCredits) {
		// The balance moved since it was read; leave the whole amount as shortfall.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("debit adjustment: %w", err)
	}
	inv.track(txn, PhaseAdjustment, amount)
	return amount, nil
}

func (inv *invocation) options(phase string, extra map[string]any) []ledger.Option {
	md := make(map[string]any, len(inv.req.Metadata)+len(extra)+3)
	maps.Copy(md, inv.req.Metadata)
	maps.Copy(md, extra)
	md["phase"] = phase
	md["model"] = inv.model.Key
	md["invocation_id"] = inv.req.InvocationID

	return []ledger.Option{
		ledger.WithIdempotencyKey(fmt.Sprintf("ai:%s:%s", inv.req.InvocationID, phase)),
		ledger.WithMetadata(md),
	}
}

func (inv *invocation) track(txn *domain.CreditTransaction, phase string, credits int64) {
	inv.res.TransactionIDs = append(inv.res.TransactionIDs, txn.ID)
	inv.svc.metrics.GatewayCredits.WithLabelValues(inv.model.Key, phase).Add(float64(credits))
}
