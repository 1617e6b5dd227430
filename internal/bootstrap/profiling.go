package bootstrap

import (
	"context"
	"net/http"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/profiling"
)

// ProfilingComponents holds the running profilers. Either field may be nil.
type ProfilingComponents struct {
	Pyroscope *profiling.Profiler
	Pprof     *http.Server
}

// Stop halts both profilers. Safe on a nil receiver.
func (p *ProfilingComponents) Stop(log logger.Logger) {
	if p == nil {
		return
	}
	if err := p.Pyroscope.Stop(); err != nil {
		log.Warn("Failed to stop Pyroscope profiler", logger.Error(err))
	}
	if p.Pprof != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := p.Pprof.Shutdown(ctx); err != nil {
			log.Warn("Failed to stop pprof server", logger.Error(err))
		}
	}
}
