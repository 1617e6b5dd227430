package bootstrap

import (
	"fmt"

	infraconfig "github.com/jonesrussell/north-cloud/harvester/infrastructure/config"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/config"
)

// Options are the process-level overrides accepted by every command.
type Options struct {
	// ConfigPath is the YAML file to load. Empty falls back to CONFIG_PATH, then config.yml.
	ConfigPath string
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Development forces development logging.
	Development bool
	// Stderr sends logs to stderr so command output on stdout stays clean.
	Stderr bool
}

// CommandDeps holds the dependencies every command needs.
type CommandDeps struct {
	Config *config.Config
	Logger logger.Logger
}

// NewCommandDeps loads configuration and creates the logger.
// The configuration is defaulted but not validated.
func NewCommandDeps(opts Options) (*CommandDeps, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}

	log, err := CreateLogger(cfg)
	if err != nil {
		return nil, err
	}

	return &CommandDeps{Config: cfg, Logger: log}, nil
}

// LoadConfig resolves the config path and applies command-line overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = infraconfig.GetConfigPath(config.DefaultPath)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Development {
		cfg.Logging.Development = true
	}
	if opts.Stderr {
		cfg.Logging.OutputPaths = []string{"stderr"}
	}
	return cfg, nil
}

// CreateLogger builds the service logger with the service name and version attached.
func CreateLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log.With(
		logger.String("version", cfg.Service.Version),
		logger.String("environment", cfg.Service.Environment),
	), nil
}
