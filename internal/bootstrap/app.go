// Package bootstrap wires the harvester service together and manages its lifecycle.
//
// Running the worker goes through these phases:
//   - Phase 0: Config & Logger - Load and validate configuration, create logger
//   - Phase 1: Profiling - Start pprof and Pyroscope profilers (if enabled)
//   - Phase 2: Database - Connect to PostgreSQL, migrate, create repositories
//   - Phase 3: Redis - Connect the wakeup channel and seen-set client
//   - Phase 4: Services - Create ledger, gateway, queue, harvester, enrichment and worker
//   - Phase 5: Server - Start the ops listener (/health, /metrics)
//   - Phase 6: Run - Process jobs until interrupted, then drain
//
// CLI commands that need only part of the stack call the phase functions directly.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// RunWorker starts the full worker process and blocks until it is interrupted.
func RunWorker(opts Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phase 0: config and logger
	deps, err := NewCommandDeps(opts)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer func() { _ = deps.Logger.Sync() }()

	if err = deps.Config.Validate(); err != nil {
		return err
	}

	// Phase 1: profiling
	profiler, err := SetupProfiling(deps)
	if err != nil {
		return fmt.Errorf("failed to start profiling: %w", err)
	}

	// Phase 2: database
	dbComponents, err := SetupDatabase(ctx, deps, true)
	if err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}
	defer dbComponents.Close()

	// Phase 3: redis
	redisClient, err := SetupRedis(ctx, deps)
	if err != nil {
		return fmt.Errorf("failed to setup redis: %w", err)
	}

	// Phase 4: services
	services, err := SetupServices(ctx, deps, dbComponents, redisClient)
	if err != nil {
		_ = redisClient.Close()
		return fmt.Errorf("failed to setup services: %w", err)
	}

	// Phase 5: ops server
	serverComponents, err := SetupOpsServer(deps, dbComponents, redisClient, services)
	if err != nil {
		_ = redisClient.Close()
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	// Phase 6: run
	return RunUntilInterrupt(ctx, &Runtime{
		Logger:    deps.Logger,
		Worker:    services.Worker,
		Scheduler: services.Scheduler,
		Server:    serverComponents,
		Profiler:  profiler,
		Redis:     redisClient,
	})
}
