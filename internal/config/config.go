// Package config assembles the harvester service configuration from YAML, .env files
// and environment overrides using infrastructure/config.
package config

import (
	"errors"
	"fmt"

	infraconfig "github.com/jonesrussell/north-cloud/harvester/infrastructure/config"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/profiling"
	infraredis "github.com/jonesrussell/north-cloud/harvester/infrastructure/redis"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is given.
const DefaultPath = "config.yml"

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig              `yaml:"service"`
	Database      infraconfig.DatabaseConfig `yaml:"database"`
	Redis         infraredis.Config          `yaml:"redis"`
	Logging       logger.Config              `yaml:"logging"`
	Queue         QueueConfig                `yaml:"queue"`
	Worker        WorkerConfig               `yaml:"worker"`
	Scheduler     SchedulerConfig            `yaml:"scheduler"`
	Harvester     HarvesterConfig            `yaml:"harvester"`
	Scraper       ScraperConfig              `yaml:"scraper"`
	Gateway       GatewayConfig              `yaml:"gateway"`
	Enrichment    EnrichmentConfig           `yaml:"enrichment"`
	Billing       BillingConfig              `yaml:"billing"`
	Runs          RunsConfig                 `yaml:"runs"`
	Elasticsearch ElasticsearchConfig        `yaml:"elasticsearch"`
	Ops           OpsConfig                  `yaml:"ops"`
	Profiling     profiling.Config           `yaml:"profiling"`
}

// Load reads path (may be empty) and returns a defaulted configuration.
// Validation is left to the caller so commands can check only what they use.
func Load(path string) (*Config, error) {
	cfg, err := infraconfig.Load[Config](path)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills every unset field of every section.
func (c *Config) SetDefaults() {
	c.Service.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Logging.SetDefaults()
	c.Logging.Service = c.Service.Name
	c.Queue.SetDefaults()
	c.Worker.SetDefaults(c.Queue.VisibilityTimeout)
	c.Scheduler.SetDefaults()
	c.Harvester.SetDefaults()
	c.Scraper.SetDefaults()
	c.Gateway.SetDefaults()
	c.Enrichment.SetDefaults()
	c.Billing.SetDefaults()
	c.Runs.SetDefaults()
	c.Elasticsearch.SetDefaults()
	c.Ops.SetDefaults()
	c.Profiling.SetDefaults()
}

// Validate checks the sections needed to run the worker.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := infraconfig.ValidateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs,
		c.Queue.Validate(),
		c.Worker.Validate(c.Queue.VisibilityTimeout),
		c.Scraper.Validate(),
		c.Gateway.Validate(),
		c.Enrichment.Validate(),
		c.Elasticsearch.Validate(),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
