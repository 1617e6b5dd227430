package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/profiling"
	"github.com/jonesrussell/north-cloud/harvester/internal/scheduler"
	"github.com/jonesrussell/north-cloud/harvester/internal/worker"
)

const defaultShutdownTimeout = 15 * time.Second

// Runtime is everything RunUntilInterrupt starts and stops.
type Runtime struct {
	Logger    logger.Logger
	Worker    *worker.Worker
	Scheduler *scheduler.Scheduler
	Server    *ServerComponents
	Profiler  *ProfilingComponents
	Redis     *goredis.Client
}

// SetupProfiling starts pprof and Pyroscope when configured.
func SetupProfiling(deps *CommandDeps) (*ProfilingComponents, error) {
	cfg := deps.Config.Profiling
	if cfg.Environment == "" {
		cfg.Environment = deps.Config.Service.Environment
	}

	pyro, err := profiling.StartPyroscope(deps.Config.Service.Name, deps.Config.Service.Version, cfg, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &ProfilingComponents{
		Pyroscope: pyro,
		Pprof:     profiling.StartPprof(cfg.PprofAddress, deps.Logger),
	}, nil
}

// RunUntilInterrupt runs the worker and scheduler until ctx is cancelled by a signal
// or the ops server fails, then shuts everything down in order.
func RunUntilInterrupt(ctx context.Context, rt *Runtime) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- rt.Worker.Run(runCtx)
	}()

	if rt.Scheduler != nil {
		if err := rt.Scheduler.Start(runCtx); err != nil {
			cancel()
			<-workerErr
			return err
		}
	}

	var serverErrChan <-chan error
	if rt.Server != nil {
		serverErrChan = rt.Server.ErrorChan
	}

	var runErr error
	select {
	case <-ctx.Done():
		rt.Logger.Info("Shutdown signal received")
	case err := <-serverErrChan:
		rt.Logger.Error("Ops server error", logger.Error(err))
		runErr = fmt.Errorf("ops server error: %w", err)
	}

	cancel()
	return errors.Join(runErr, Shutdown(rt, workerErr))
}

// Shutdown stops the scheduler first so no new work is enqueued, then waits for
// the worker to drain, then stops the ops server and releases clients.
func Shutdown(rt *Runtime, workerErr <-chan error) error {
	var errs []error

	if rt.Scheduler != nil {
		rt.Logger.Info("Stopping scheduler")
		rt.Scheduler.Stop()
	}

	if workerErr != nil {
		rt.Logger.Info("Waiting for worker to drain")
		if err := <-workerErr; err != nil {
			rt.Logger.Error("Worker stopped with error", logger.Error(err))
			errs = append(errs, fmt.Errorf("worker: %w", err))
		}
	}

	if rt.Server != nil && rt.Server.Server != nil {
		rt.Logger.Info("Stopping ops server")
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		if err := rt.Server.Server.Shutdown(ctx); err != nil {
			rt.Logger.Error("Failed to stop ops server", logger.Error(err))
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
		cancel()
	}

	rt.Profiler.Stop(rt.Logger)

	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Logger.Warn("Failed to close redis client", logger.Error(err))
		}
	}

	rt.Logger.Info("Harvester stopped")
	return errors.Join(errs...)
}
