package config

import (
	"time"

	infraconfig "github.com/jonesrussell/north-cloud/harvester/infrastructure/config"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/retry"
)

// ServiceConfig identifies the running binary.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" yaml:"name"`
	Version     string `env:"SERVICE_VERSION" yaml:"version"`
	Environment string `env:"APP_ENV"      yaml:"environment"`
}

// SetDefaults applies default values.
func (c *ServiceConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "harvester"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// QueueConfig controls job visibility and retry policy.
type QueueConfig struct {
	VisibilityTimeout time.Duration  `env:"QUEUE_VISIBILITY_TIMEOUT" yaml:"visibility_timeout"`
	BackoffBase       time.Duration  `env:"QUEUE_BACKOFF_BASE"       yaml:"backoff_base"`
	Retention         time.Duration  `env:"QUEUE_RETENTION"          yaml:"retention"`
	WakeupChannel     string         `yaml:"wakeup_channel"`
	MaxAttempts       map[string]int `yaml:"max_attempts"`
}

// SetDefaults applies default values.
func (c *QueueConfig) SetDefaults() {
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = 15 * time.Minute
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.WakeupChannel == "" {
		c.WakeupChannel = "harvester:jobs:ready"
	}
}

// Validate checks the queue section.
func (c *QueueConfig) Validate() error {
	if err := infraconfig.ValidatePositive("queue.visibility_timeout", c.VisibilityTimeout); err != nil {
		return err
	}
	for jobType, n := range c.MaxAttempts {
		if err := infraconfig.ValidatePositive("queue.max_attempts."+jobType, n); err != nil {
			return err
		}
	}
	return infraconfig.ValidatePositive("queue.backoff_base", c.BackoffBase)
}

// WorkerConfig sizes the job pool.
type WorkerConfig struct {
	ID                  string        `env:"WORKER_ID"          yaml:"id"`
	Concurrency         int           `env:"WORKER_CONCURRENCY" yaml:"concurrency"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// SetDefaults applies default values. The job timeout stays below the visibility timeout.
func (c *WorkerConfig) SetDefaults(visibility time.Duration) {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = visibility - visibility/10
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = time.Minute
	}
}

// Validate checks the worker section against the queue visibility timeout.
func (c *WorkerConfig) Validate(visibility time.Duration) error {
	if err := infraconfig.ValidatePositive("worker.concurrency", c.Concurrency); err != nil {
		return err
	}
	if c.JobTimeout >= visibility {
		return &infraconfig.ValidationError{
			Field:   "worker.job_timeout",
			Message: "must be shorter than queue.visibility_timeout",
		}
	}
	return nil
}

// SchedulerConfig controls periodic harvest enqueueing.
type SchedulerConfig struct {
	Enabled bool   `env:"SCHEDULER_ENABLED" yaml:"enabled"`
	Cron    string `env:"SCHEDULER_CRON"    yaml:"cron"`
}

// SetDefaults applies default values.
func (c *SchedulerConfig) SetDefaults() {
	if c.Cron == "" {
		c.Cron = "@every 15m"
	}
}

// HarvesterConfig tunes a single harvest run.
type HarvesterConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	ViralityFactor float64       `env:"HARVESTER_VIRALITY_FACTOR" yaml:"virality_factor"`
	SeenTTL        time.Duration `yaml:"seen_ttl"`
}

// SetDefaults applies default values. A zero virality factor disables that filter.
func (c *HarvesterConfig) SetDefaults() {
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Minute
	}
	if c.SeenTTL == 0 {
		c.SeenTTL = 30 * 24 * time.Hour
	}
}

// ScraperConfig points at the Apify actor used to fetch posts.
type ScraperConfig struct {
	BaseURL        string        `env:"APIFY_BASE_URL" yaml:"base_url"`
	Token          string        `env:"APIFY_TOKEN"    yaml:"token"`
	ActorID        string        `env:"APIFY_ACTOR_ID" yaml:"actor_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxPolls       int           `yaml:"max_polls"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	Retry          retry.Config  `yaml:"retry"`
	Breaker        BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig configures the circuit breaker around provider calls.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SetDefaults applies default values.
func (c *ScraperConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.apify.com"
	}
	if c.ActorID == "" {
		c.ActorID = "apify~instagram-scraper"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPolls == 0 {
		c.MaxPolls = 60
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = time.Minute
	}
}

// Validate checks the scraper section.
func (c *ScraperConfig) Validate() error {
	if err := infraconfig.ValidateRequired("scraper.token", c.Token); err != nil {
		return err
	}
	return infraconfig.ValidatePositive("scraper.max_polls", c.MaxPolls)
}

// ModelPrice overrides one catalog entry. Prices are USD per million tokens.
type ModelPrice struct {
	ProviderModel string  `yaml:"provider_model"`
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// GatewayConfig configures the model provider and pricing.
type GatewayConfig struct {
	APIKey        string                `env:"ANTHROPIC_API_KEY"  yaml:"api_key"`
	BaseURL       string                `env:"ANTHROPIC_BASE_URL" yaml:"base_url"`
	Timeout       time.Duration         `yaml:"timeout"`
	CreditsPerUSD int64                 `yaml:"credits_per_usd"`
	Models        map[string]ModelPrice `yaml:"models"`
}

// SetDefaults applies default values.
func (c *GatewayConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.CreditsPerUSD == 0 {
		c.CreditsPerUSD = 1000
	}
}

// Validate checks the gateway section.
func (c *GatewayConfig) Validate() error {
	if err := infraconfig.ValidateRequired("gateway.api_key", c.APIKey); err != nil {
		return err
	}
	for key, m := range c.Models {
		if err := infraconfig.ValidateRequired("gateway.models."+key+".provider_model", m.ProviderModel); err != nil {
			return err
		}
	}
	return infraconfig.ValidatePositive("gateway.timeout", c.Timeout)
}

// EnrichmentConfig controls the ENRICH_ITEM handler.
type EnrichmentConfig struct {
	Model        string `env:"ENRICHMENT_MODEL" yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	MinViews     int64  `env:"ENRICHMENT_MIN_VIEWS" yaml:"min_views"`
	CaptionLimit int    `yaml:"caption_limit"`
}

// SetDefaults applies default values.
func (c *EnrichmentConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "claude-3-haiku"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.CaptionLimit == 0 {
		c.CaptionLimit = 500
	}
}

// Validate checks the enrichment section.
func (c *EnrichmentConfig) Validate() error {
	return infraconfig.ValidatePositive("enrichment.max_tokens", c.MaxTokens)
}

// BillingConfig holds credit grant amounts.
type BillingConfig struct {
	FreeTestCredits int64 `yaml:"free_test_credits"`
}

// SetDefaults applies default values.
func (c *BillingConfig) SetDefaults() {
	if c.FreeTestCredits == 0 {
		c.FreeTestCredits = 100
	}
}

// RunsConfig controls run bookkeeping maintenance.
type RunsConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// SetDefaults applies default values.
func (c *RunsConfig) SetDefaults() {
	if c.StaleAfter == 0 {
		c.StaleAfter = 30 * time.Minute
	}
}

// ElasticsearchConfig configures the optional search projection.
type ElasticsearchConfig struct {
	Enabled   bool     `env:"ELASTICSEARCH_ENABLED"   yaml:"enabled"`
	Addresses []string `env:"ELASTICSEARCH_ADDRESSES" yaml:"addresses"`
	Username  string   `env:"ELASTICSEARCH_USERNAME"  yaml:"username"`
	Password  string   `env:"ELASTICSEARCH_PASSWORD"  yaml:"password"`
	Index     string   `yaml:"index"`
}

// SetDefaults applies default values.
func (c *ElasticsearchConfig) SetDefaults() {
	if len(c.Addresses) == 0 {
		c.Addresses = []string{"http://localhost:9200"}
	}
	if c.Index == "" {
		c.Index = "content_items"
	}
}

// Validate checks the section only when indexing is enabled.
func (c *ElasticsearchConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return infraconfig.ValidateRequired("elasticsearch.index", c.Index)
}

// OpsConfig configures the /health and /metrics listener.
type OpsConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Address  string `env:"OPS_ADDRESS" yaml:"address"`
	GinDebug bool   `yaml:"gin_debug"`
}

// SetDefaults applies default values. The listener is on unless disabled explicitly.
func (c *OpsConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Address == "" {
		c.Address = ":8090"
	}
}

// IsEnabled reports whether the ops listener should start.
func (c *OpsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
