// Package common holds the pieces shared by every harvester subcommand.
package common

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/harvester/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/harvester/internal/ledger"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
	"github.com/jonesrussell/north-cloud/harvester/internal/runs"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// Persistent flag names. Each is also read from HARVESTER_<NAME>.
const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
	FlagDev      = "dev"
)

// Factory builds command dependencies from the bound flags.
type Factory struct {
	v *viper.Viper
}

// NewFactory wraps the viper instance the root command bound its flags to.
func NewFactory(v *viper.Viper) *Factory {
	return &Factory{v: v}
}

// Options returns the bootstrap options for a short-lived command.
func (f *Factory) Options() bootstrap.Options {
	return bootstrap.Options{
		ConfigPath:  f.v.GetString(FlagConfig),
		LogLevel:    f.v.GetString(FlagLogLevel),
		Development: f.v.GetBool(FlagDev),
		Stderr:      true,
	}
}

// Env is an open database plus lazily built services for one command invocation.
type Env struct {
	*bootstrap.CommandDeps
	DB        *bootstrap.DatabaseComponents
	Telemetry *telemetry.Provider

	redis *goredis.Client
}

// Open loads configuration and connects to the database without migrating.
func (f *Factory) Open(ctx context.Context) (*Env, error) {
	deps, err := bootstrap.NewCommandDeps(f.Options())
	if err != nil {
		return nil, err
	}
	if err = deps.Config.Database.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := bootstrap.SetupDatabase(ctx, deps, false)
	if err != nil {
		return nil, err
	}

	return &Env{CommandDeps: deps, DB: db, Telemetry: telemetry.NewNopProvider()}, nil
}

// Queue builds the job queue. Enqueued jobs wake idle workers when Redis is reachable.
func (e *Env) Queue(ctx context.Context) *queue.Queue {
	if e.redis == nil {
		e.redis = bootstrap.SetupOptionalRedis(ctx, e.CommandDeps)
	}
	var notifier *queue.RedisNotifier
	if e.redis != nil {
		notifier = queue.NewRedisNotifier(e.redis, e.Config.Queue.WakeupChannel, e.Logger)
	}
	return bootstrap.NewQueue(e.CommandDeps, e.DB, notifier, e.Telemetry)
}

// Ledger builds the credit ledger.
func (e *Env) Ledger() *ledger.Service {
	return bootstrap.NewLedger(e.CommandDeps, e.DB, e.Telemetry)
}

// Runs builds the run tracker.
func (e *Env) Runs() *runs.Tracker {
	return runs.NewTracker(e.DB.RunRepo, e.Logger)
}

// Close releases every connection the command opened.
func (e *Env) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	e.DB.Close()
	_ = e.Logger.Sync()
}
