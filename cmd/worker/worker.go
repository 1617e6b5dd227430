// Package worker implements the long-running worker command.
package worker

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/bootstrap"
)

// Command returns the worker command.
func Command(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process jobs until interrupted",
		Long: `Runs the job worker: migrates the schema, dispatches queued jobs to a bounded pool,
runs the harvest scheduler when enabled, and serves /health and /metrics on the ops listener.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts := f.Options()
			opts.Stderr = false
			return bootstrap.RunWorker(opts)
		},
	}
}
