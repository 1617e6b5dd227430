// Package profiling starts optional continuous and on-demand profilers.
package profiling

import (
	"fmt"
	"os"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
)

// Config is the profiling section of a service configuration.
type Config struct {
	PyroscopeEnabled bool   `env:"ENABLE_CONTINUOUS_PROFILING" yaml:"pyroscope_enabled"`
	PyroscopeURL     string `env:"PYROSCOPE_SERVER_URL"        yaml:"pyroscope_url"`
	Environment      string `env:"PYROSCOPE_ENVIRONMENT"       yaml:"environment"`
	// PprofAddress enables net/http/pprof on a loopback address when set.
	PprofAddress string `env:"PPROF_ADDRESS" yaml:"pprof_address"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.PyroscopeURL == "" {
		c.PyroscopeURL = "http://pyroscope:4040"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Profiler wraps a running Pyroscope session. A nil *Profiler is valid and Stop is a no-op.
type Profiler struct {
	p *pyroscope.Profiler
}

// StartPyroscope returns nil, nil when continuous profiling is disabled.
func StartPyroscope(service, version string, cfg Config, log logger.Logger) (*Profiler, error) {
	if !cfg.PyroscopeEnabled {
		return nil, nil //nolint:nilnil // disabled is not an error
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "north-cloud." + service,
		ServerAddress:   cfg.PyroscopeURL,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"environment": cfg.Environment,
			"version":     version,
			"hostname":    hostname,
			"go_version":  runtime.Version(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}

	log.Info("Continuous profiling started",
		logger.String("server", cfg.PyroscopeURL),
		logger.String("environment", cfg.Environment),
	)
	return &Profiler{p: p}, nil
}

// Stop flushes and stops the session.
func (p *Profiler) Stop() error {
	if p == nil || p.p == nil {
		return nil
	}
	return p.p.Stop()
}
