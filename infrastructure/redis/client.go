// Package redis builds go-redis clients from service configuration.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Address     string        `env:"REDIS_ADDRESS"  yaml:"address"`
	Password    string        `env:"REDIS_PASSWORD" yaml:"password"`
	DB          int           `env:"REDIS_DB"       yaml:"db"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

const defaultPingTimeout = 5 * time.Second

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = defaultPingTimeout
	}
}

// NewClient connects and pings. The client is closed when the ping fails.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}

	return client, nil
}
