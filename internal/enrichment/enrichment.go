// Package enrichment attaches model analysis to harvested content items.
package enrichment

import (
	"context"
	"time"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/gateway"
)

// Defaults used when Config leaves a value unset.
const (
	DefaultModel     = "claude-3-haiku"
	DefaultMaxTokens = 1024
)

// Status is how an Enrich call ended.
type Status string

const (
	StatusEnriched        Status = "enriched"
	StatusAlreadyEnriched Status = "already_enriched"
	StatusBelowMinViews   Status = "below_min_views"
)

// ItemStore loads items and stores their enrichment.
type ItemStore interface {
	GetWithOwner(ctx context.Context, id string) (*database.OwnedItem, error)
	AttachEnrichment(ctx context.Context, id string, e *domain.Enrichment) (bool, error)
}

// Invoker runs a priced model call.
type Invoker interface {
	Invoke(ctx context.Context, userID, modelKey string, req gateway.Request) (*gateway.Result, error)
}

// Indexer publishes enriched items for search.
type Indexer interface {
	IndexItem(ctx context.Context, item *domain.ContentItem) error
}

// Config tunes enrichment.
type Config struct {
	Model        string
	MaxTokens    int
	MinViews     int64
	CaptionLimit int
}

// Request identifies the item to enrich. InvocationID scopes the credit charges so a
// redelivered attempt never double-charges.
type Request struct {
	ContentItemID string
	InvocationID  string
}

// Outcome reports an Enrich call.
type Outcome struct {
	Status     Status
	Enrichment *domain.Enrichment
}

// Service enriches content items.
type Service struct {
	items   ItemStore
	gateway Invoker
	indexer Indexer
	cfg     Config
	log     logger.Logger
	now     func() time.Time
}

// NewService creates the enrichment service. indexer may be nil.
func NewService(items ItemStore, gw Invoker, indexer Indexer, cfg Config, log logger.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.CaptionLimit <= 0 {
		cfg.CaptionLimit = DefaultCaptionLimit
	}
	return &Service{
		items:   items,
		gateway: gw,
		indexer: indexer,
		cfg:     cfg,
		log:     log.With(logger.Component("enrichment")),
		now:     time.Now,
	}
}

// Enrich analyzes one item on behalf of its owner. Already enriched items and items
// under the view threshold succeed without a model call.
func (s *Service) Enrich(ctx context.Context, req Request) (*Outcome, error) {
	item, err := s.items.GetWithOwner(ctx, req.ContentItemID)
	if err != nil {
		return nil, err
	}
	log := s.log.With(logger.ItemID(item.ID), logger.UserID(item.OwnerID))

	if item.IsEnriched() {
		log.Debug("Item already enriched")
		return &Outcome{Status: StatusAlreadyEnriched, Enrichment: item.Enrichment}, nil
	}
	if item.Views < s.cfg.MinViews {
		log.Debug("Item below enrichment threshold",
			logger.Int64("views", item.Views),
			logger.Int64("min_views", s.cfg.MinViews),
		)
		return &Outcome{Status: StatusBelowMinViews}, nil
	}

	prompt, err := UserPrompt(&item.ContentItem, s.cfg.CaptionLimit)
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.Invoke(ctx, item.OwnerID, s.cfg.Model, gateway.Request{
		System:       SystemPrompt(),
		Prompt:       prompt,
		MaxTokens:    s.cfg.MaxTokens,
		InvocationID: req.InvocationID,
		Metadata:     map[string]any{"content_item_id": item.ID},
	})
	if err != nil {
		return nil, err
	}

	enrichment := &domain.Enrichment{
		Model:          res.Model,
		InvocationID:   res.InvocationID,
		Raw:            res.Text,
		ChargedCredits: res.ChargedCredits,
		Shortfall:      res.Shortfall,
		EnrichedAt:     s.now().UTC(),
	}
	analysis, parseErr := ParseAnalysis(res.Text)
	if parseErr != nil {
		log.Warn("Model output is not a valid analysis, storing raw text", logger.Error(parseErr))
	} else {
		enrichment.Analysis = analysis
	}

	attached, err := s.items.AttachEnrichment(ctx, item.ID, enrichment)
	if err != nil {
		return nil, err
	}
	if !attached {
		log.Info("Item was enriched concurrently, keeping the stored analysis")
		return &Outcome{Status: StatusAlreadyEnriched}, nil
	}

	log.Info("Item enriched",
		logger.String("model", res.Model),
		logger.Int64("credits", res.ChargedCredits),
		logger.Bool("parsed", enrichment.Analysis != nil),
	)

	item.Enrichment = enrichment
	item.EnrichedAt = &enrichment.EnrichedAt
	s.index(ctx, log, &item.ContentItem)

	return &Outcome{Status: StatusEnriched, Enrichment: enrichment}, nil
}

func (s *Service) index(ctx context.Context, log logger.Logger, item *domain.ContentItem) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexItem(ctx, item); err != nil {
		log.Warn("Failed to index enriched item", logger.Error(err))
	}
}
