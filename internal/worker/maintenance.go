package worker

import (
	"context"
	"time"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
)

// MaintenanceReport counts what one maintenance pass changed.
type MaintenanceReport struct {
	Requeued    int
	Failed      int
	RunsExpired int64
	Cleaned     int64
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()

	w.Maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Maintain(ctx)
		}
	}
}

// Maintain releases expired job locks, abandons stale runs, deletes old completed jobs
// and refreshes the queue depth gauges. Each step runs even when an earlier one fails.
func (w *Worker) Maintain(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport
	var err error

	report.Requeued, report.Failed, err = w.queue.RecoverExpired(ctx)
	if err != nil {
		w.log.Error("Failed to recover expired jobs", logger.Error(err))
	}

	if w.runs != nil && w.cfg.StaleAfter > 0 {
		report.RunsExpired, err = w.runs.ExpireStale(ctx, w.cfg.StaleAfter)
		if err != nil {
			w.log.Error("Failed to expire stale runs", logger.Error(err))
		}
	}

	if w.cfg.Retention > 0 {
		report.Cleaned, err = w.queue.Cleanup(ctx, w.cfg.Retention)
		if err != nil {
			w.log.Error("Failed to clean up completed jobs", logger.Error(err))
		}
	}

	if _, err = w.queue.Stats(ctx); err != nil {
		w.log.Error("Failed to refresh queue depth", logger.Error(err))
	}

	if report.Requeued+report.Failed > 0 || report.RunsExpired > 0 || report.Cleaned > 0 {
		w.log.Info("Maintenance pass",
			logger.Int("requeued", report.Requeued),
			logger.Int("failed", report.Failed),
			logger.Int64("runs_expired", report.RunsExpired),
			logger.Int64("cleaned", report.Cleaned),
		)
	}
	return report
}
