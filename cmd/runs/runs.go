// Package runs implements harvest run reporting commands.
package runs

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// Command returns the runs command.
func Command(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect harvest runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(listCmd(f), statsCmd(f), expireCmd(f))
	return cmd
}

func listCmd(f *common.Factory) *cobra.Command {
	var sourceID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			runs, err := env.Runs().List(ctx, sourceID, limit)
			if err != nil {
				return err
			}
			RenderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "only runs of this source")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func statsCmd(f *common.Factory) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate runs over a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			stats, err := env.Runs().Stats(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}
			t := common.NewTable(cmd.OutOrStdout(),
				"Total", "Running", "Succeeded", "Failed", "Found", "Created", "Enqueued")
			t.AppendRow(table.Row{
				stats.Total, stats.Running, stats.Succeeded, stats.Failed,
				stats.ItemsFound, stats.ItemsCreated, stats.ItemsEnqueued,
			})
			t.Render()
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	return cmd
}

func expireCmd(f *common.Factory) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Fail runs left running by a dead worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if olderThan <= 0 {
				olderThan = env.Config.Runs.StaleAfter
			}
			n, err := env.Runs().ExpireStale(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d runs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default runs.stale_after)")
	return cmd
}

// RenderRuns writes runs as a table.
func RenderRuns(out io.Writer, runs []*domain.Run) {
	t := common.NewTable(out,
		"ID", "Source", "Status", "Started", "Duration", "Found", "Created", "Enqueued", "Skipped", "Error")
	for _, r := range runs {
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			r.ID,
			r.SourceID,
			r.Status,
			common.FormatTime(&r.StartedAt),
			duration,
			r.ItemsFound,
			r.ItemsCreated,
			r.ItemsEnqueued,
			r.ItemsSkipped.Total(),
			common.Deref(r.ErrorKind),
		})
	}
	t.Render()
}
