package bootstrap

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/circuitbreaker"
	infraes "github.com/jonesrussell/north-cloud/harvester/infrastructure/elasticsearch"
	infrahttp "github.com/jonesrussell/north-cloud/harvester/infrastructure/http"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/config"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/enrichment"
	"github.com/jonesrussell/north-cloud/harvester/internal/gateway"
	"github.com/jonesrussell/north-cloud/harvester/internal/harvester"
	"github.com/jonesrussell/north-cloud/harvester/internal/indexer"
	"github.com/jonesrussell/north-cloud/harvester/internal/ledger"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
	"github.com/jonesrussell/north-cloud/harvester/internal/runs"
	"github.com/jonesrussell/north-cloud/harvester/internal/scheduler"
	"github.com/jonesrussell/north-cloud/harvester/internal/scraper"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
	"github.com/jonesrussell/north-cloud/harvester/internal/worker"
)

// ServiceComponents holds every long-lived service of the worker process.
type ServiceComponents struct {
	Telemetry  *telemetry.Provider
	Queue      *queue.Queue
	Ledger     *ledger.Service
	Gateway    *gateway.Service
	Runs       *runs.Tracker
	Harvester  *harvester.Harvester
	Enrichment *enrichment.Service
	Indexer    *indexer.Indexer
	Registry   *worker.Registry
	Worker     *worker.Worker
	// Scheduler is nil when scheduling is disabled.
	Scheduler *scheduler.Scheduler
}

// SetupServices builds the service graph on top of the database and Redis.
func SetupServices(
	ctx context.Context,
	deps *CommandDeps,
	db *DatabaseComponents,
	redisClient *goredis.Client,
) (*ServiceComponents, error) {
	cfg := deps.Config
	tp := telemetry.NewProvider()

	var notifier *queue.RedisNotifier
	if redisClient != nil {
		notifier = queue.NewRedisNotifier(redisClient, cfg.Queue.WakeupChannel, deps.Logger)
	}
	q := NewQueue(deps, db, notifier, tp)
	ledgerSvc := NewLedger(deps, db, tp)
	gw := NewGateway(deps, ledgerSvc, tp)
	tracker := runs.NewTracker(db.RunRepo, deps.Logger)

	var seen harvester.SeenSet
	if redisClient != nil {
		seen = harvester.NewRedisSeenSet(redisClient, cfg.Harvester.SeenTTL)
	}
	h := harvester.New(harvester.Deps{
		Scraper: NewScraper(deps, tp),
		Sources: db.SourceRepo,
		Content: db.ContentRepo,
		Runs:    tracker,
		Queue:   q,
		Seen:    seen,
	}, harvester.Config{
		FetchTimeout:   cfg.Harvester.FetchTimeout,
		ViralityFactor: cfg.Harvester.ViralityFactor,
	}, deps.Logger, tp)

	idx, err := SetupIndexer(ctx, deps)
	if err != nil {
		return nil, err
	}
	var itemIndexer enrichment.Indexer
	if idx != nil {
		itemIndexer = idx
	}
	enricher := enrichment.NewService(db.ContentRepo, gw, itemIndexer, enrichment.Config{
		Model:        cfg.Enrichment.Model,
		MaxTokens:    cfg.Enrichment.MaxTokens,
		MinViews:     cfg.Enrichment.MinViews,
		CaptionLimit: cfg.Enrichment.CaptionLimit,
	}, deps.Logger)

	registry := NewRegistry(h, enricher)

	workerDeps := worker.Deps{Queue: q, Registry: registry, Runs: tracker}
	if notifier != nil {
		workerDeps.Wakeups = notifier
	}
	w, err := worker.New(worker.Config{
		ID:                  cfg.Worker.ID,
		Concurrency:         cfg.Worker.Concurrency,
		PollInterval:        cfg.Worker.PollInterval,
		JobTimeout:          cfg.Worker.JobTimeout,
		DrainTimeout:        cfg.Worker.DrainTimeout,
		MaintenanceInterval: cfg.Worker.MaintenanceInterval,
		Retention:           cfg.Queue.Retention,
		StaleAfter:          cfg.Runs.StaleAfter,
	}, workerDeps, deps.Logger, tp)
	if err != nil {
		return nil, err
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = NewScheduler(deps, db, q, tp)
		if err != nil {
			return nil, err
		}
	}

	return &ServiceComponents{
		Telemetry:  tp,
		Queue:      q,
		Ledger:     ledgerSvc,
		Gateway:    gw,
		Runs:       tracker,
		Harvester:  h,
		Enrichment: enricher,
		Indexer:    idx,
		Registry:   registry,
		Worker:     w,
		Scheduler:  sched,
	}, nil
}

// NewQueue builds the job queue. A nil notifier leaves workers on polling alone.
func NewQueue(deps *CommandDeps, db *DatabaseComponents, notifier *queue.RedisNotifier, tp *telemetry.Provider) *queue.Queue {
	var n queue.Notifier
	if notifier != nil {
		n = notifier
	}
	return queue.New(db.JobRepo, n, queue.Config{
		VisibilityTimeout: deps.Config.Queue.VisibilityTimeout,
		BackoffBase:       deps.Config.Queue.BackoffBase,
		MaxAttempts:       deps.Config.Queue.MaxAttempts,
	}, deps.Logger, tp.Metrics)
}

// NewLedger builds the credit ledger.
func NewLedger(deps *CommandDeps, db *DatabaseComponents, tp *telemetry.Provider) *ledger.Service {
	return ledger.NewService(db.LedgerRepo, ledger.Config{
		FreeTestCredits: deps.Config.Billing.FreeTestCredits,
	}, deps.Logger, tp.Metrics)
}

// NewGateway builds the AI gateway over the Anthropic provider.
func NewGateway(deps *CommandDeps, ledgerSvc *ledger.Service, tp *telemetry.Provider) *gateway.Service {
	cfg := deps.Config.Gateway
	return gateway.NewService(
		NewCatalog(cfg),
		gateway.NewAnthropicProvider(cfg.APIKey, cfg.BaseURL),
		ledgerSvc,
		gateway.Config{Timeout: cfg.Timeout, CreditsPerUSD: cfg.CreditsPerUSD},
		deps.Logger,
		tp,
	)
}

// NewCatalog applies configured price overrides to the built-in model catalog.
func NewCatalog(cfg config.GatewayConfig) *gateway.Catalog {
	keys := make([]string, 0, len(cfg.Models))
	for key := range cfg.Models {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	overrides := make([]gateway.Model, 0, len(keys))
	for _, key := range keys {
		m := cfg.Models[key]
		overrides = append(overrides, gateway.Model{
			Key:           key,
			ProviderModel: m.ProviderModel,
			InputPerMTok:  m.InputPerMTok,
			OutputPerMTok: m.OutputPerMTok,
		})
	}
	return gateway.NewCatalog(overrides...)
}

// NewScraper builds the Apify client over a pooled HTTP client.
func NewScraper(deps *CommandDeps, tp *telemetry.Provider) *scraper.Client {
	cfg := deps.Config.Scraper
	httpClient := infrahttp.NewClient(infrahttp.ClientConfig{Timeout: cfg.RequestTimeout})
	return scraper.NewClient(scraper.Config{
		BaseURL:      cfg.BaseURL,
		Token:        cfg.Token,
		ActorID:      cfg.ActorID,
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
		Retry:        cfg.Retry,
		// A negative rate_limit disables throttling.
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.RateBurst,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout,
		},
	}, httpClient, deps.Logger, tp.Metrics)
}

// SetupIndexer connects to Elasticsearch and ensures the content index exists.
// It returns nil when indexing is disabled.
func SetupIndexer(ctx context.Context, deps *CommandDeps) (*indexer.Indexer, error) {
	cfg := deps.Config.Elasticsearch
	if !cfg.Enabled {
		deps.Logger.Info("Elasticsearch indexing disabled")
		return nil, nil //nolint:nilnil // disabled is not an error
	}

	client, err := infraes.NewClient(ctx, infraes.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	idx := indexer.New(client, cfg.Index, deps.Logger)
	if err = idx.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure index %s: %w", cfg.Index, err)
	}
	return idx, nil
}

// NewRegistry maps every job type to its handler.
func NewRegistry(h worker.Harvester, e worker.Enricher) *worker.Registry {
	registry := worker.NewRegistry()
	registry.Register(domain.JobHarvestSource, worker.HarvestHandler(h))
	registry.Register(domain.JobEnrichItem, worker.EnrichHandler(e))
	registry.Register(domain.JobTest, worker.TestHandler())
	return registry
}

// NewScheduler builds the periodic harvest scheduler.
func NewScheduler(deps *CommandDeps, db *DatabaseComponents, q *queue.Queue, tp *telemetry.Provider) (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(deps.Config.Scheduler.Cron, db.SourceRepo, q, deps.Logger, tp.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	deps.Logger.Info("Scheduler configured", logger.String("schedule", deps.Config.Scheduler.Cron))
	return sched, nil
}
