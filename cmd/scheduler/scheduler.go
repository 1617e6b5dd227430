// Package scheduler implements the one-shot scheduling command.
package scheduler

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/bootstrap"
)

// Command returns the scheduler command.
func Command(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Harvest scheduling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Enqueue a harvest for every due source, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			sched, err := bootstrap.NewScheduler(env.CommandDeps, env.DB, env.Queue(ctx), env.Telemetry)
			if err != nil {
				return err
			}
			report, err := sched.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"considered %d, enqueued %d, not due %d, pending %d, failed %d\n",
				report.Considered, report.Enqueued, report.NotDue, report.Pending, report.Failed)
			return nil
		},
	})
	return cmd
}
