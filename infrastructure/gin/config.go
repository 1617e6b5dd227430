// Package gin provides the HTTP server used by the ops listener: standard middleware,
// timeouts and graceful shutdown.
package gin

import (
	"time"
)

// Default timeout values for HTTP server configuration.
const (
	DefaultAddress         = ":8090"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	// Address is the listen address, host:port or :port.
	Address string

	// Debug enables Gin debug mode.
	Debug bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ServiceName is logged on start.
	ServiceName string
}

// SetDefaults applies default values to the config where values are not set.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}
