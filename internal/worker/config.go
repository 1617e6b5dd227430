// Package worker runs queued jobs on a bounded pool.
package worker

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultConcurrency is the default number of jobs executed at once.
	DefaultConcurrency = 4

	// DefaultPollInterval bounds how long an idle dispatcher waits without a wake-up.
	DefaultPollInterval = 2 * time.Second

	// DefaultDrainTimeout is the default timeout for graceful shutdown.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultMaintenanceInterval spaces lock recovery and cleanup passes.
	DefaultMaintenanceInterval = time.Minute

	// MaxConcurrency is the maximum allowed pool size.
	MaxConcurrency = 100
)

// Config holds configuration for the worker.
type Config struct {
	// ID identifies this process in job locks.
	ID string

	// Concurrency is the number of pool slots.
	Concurrency int

	// PollInterval is the fallback claim interval when no wake-up arrives.
	PollInterval time.Duration

	// JobTimeout bounds one handler call. It must stay below the queue visibility timeout.
	JobTimeout time.Duration

	// DrainTimeout is the maximum time to wait for in-flight jobs during shutdown.
	DrainTimeout time.Duration

	// MaintenanceInterval spaces recovery, stale-run expiry and cleanup.
	MaintenanceInterval time.Duration

	// Retention is how long completed jobs are kept.
	Retention time.Duration

	// StaleAfter is how long a run may stay running before it is abandoned.
	StaleAfter time.Duration
}

// DefaultID derives a worker ID unique to this process.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.ID == "" {
		c.ID = DefaultID()
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.DrainTimeout <= 0 {
		return errors.New("drain timeout must be positive")
	}
	return nil
}
