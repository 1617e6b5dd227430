// Package jobs implements commands that submit and inspect queue jobs.
package jobs

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

const defaultListLimit = 50

// Command returns the jobs command.
func Command(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage queued jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(listCmd(f), getCmd(f), requeueCmd(f), statsCmd(f), cleanupCmd(f))
	return cmd
}

func listCmd(f *common.Factory) *cobra.Command {
	var status, jobType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			jobs, err := env.Queue(ctx).List(ctx, database.ListJobsParams{
				Status: domain.JobStatus(status),
				Type:   domain.JobType(jobType),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			RenderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued, running, completed, failed)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of jobs")
	return cmd
}

func getCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "get [job-id]",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			job, err := env.Queue(ctx).Get(ctx, args[0])
			if err != nil {
				return err
			}
			return common.PrintJSON(cmd.OutOrStdout(), job)
		},
	}
}

func requeueCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [job-id]",
		Short: "Give a failed job a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if err = env.Queue(ctx).Requeue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued job %s\n", args[0])
			return nil
		},
	}
}

func statsCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			stats, err := env.Queue(ctx).Stats(ctx)
			if err != nil {
				return err
			}
			t := common.NewTable(cmd.OutOrStdout(), "Queued", "Running", "Completed", "Failed")
			t.AppendRow(table.Row{stats.Queued, stats.Running, stats.Completed, stats.Failed})
			t.Render()
			return nil
		},
	}
}

func cleanupCmd(f *common.Factory) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if olderThan <= 0 {
				olderThan = env.Config.Queue.Retention
			}
			n, err := env.Queue(ctx).Cleanup(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d completed jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default queue.retention)")
	return cmd
}
