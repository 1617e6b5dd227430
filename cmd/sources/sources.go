// Package sources implements tracking source management commands.
package sources

import (
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

var errDatasetOrUser = errors.New("either --dataset or --user is required")

// Command returns the sources command.
func Command(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage tracking sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		addCmd(f),
		listCmd(f),
		setActiveCmd(f, "activate", true),
		setActiveCmd(f, "deactivate", false),
		itemsCmd(f),
	)
	return cmd
}

// addFlags holds the source fields settable from the command line.
type addFlags struct {
	datasetID    string
	userID       string
	username     string
	url          string
	contentTypes []string
	minViews     int64
	daysLimit    int
	fetchLimit   int
	frequency    string
}

// Source maps the flags onto an unsaved source.
func (a *addFlags) Source() *domain.TrackingSource {
	return &domain.TrackingSource{
		DatasetID:      a.datasetID,
		UserID:         a.userID,
		Username:       a.username,
		URL:            a.url,
		IsActive:       true,
		ContentTypes:   pq.StringArray(a.contentTypes),
		MinViewsFilter: a.minViews,
		DaysLimit:      a.daysLimit,
		FetchLimit:     a.fetchLimit,
		ParseFrequency: domain.ParseFrequency(a.frequency),
	}
}

func addCmd(f *common.Factory) *cobra.Command {
	flags := &addFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Track a new profile",
		Long: `Adds a tracking source to a dataset. With --user and no --dataset, a new dataset
is created for that user first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.datasetID == "" && flags.userID == "" {
				return errDatasetOrUser
			}

			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			src := flags.Source()
			// Validate before creating a dataset so a bad source leaves nothing behind.
			probe := *src
			if probe.DatasetID == "" {
				probe.DatasetID = "new"
			}
			if err = probe.Validate(); err != nil {
				return err
			}
			if src.DatasetID == "" {
				if src.DatasetID, err = env.DB.SourceRepo.CreateDataset(ctx, flags.userID, flags.username); err != nil {
					return err
				}
			}
			if err = env.DB.SourceRepo.Create(ctx, src); err != nil {
				return err
			}
			RenderSources(cmd.OutOrStdout(), []*domain.TrackingSource{src})
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.datasetID, "dataset", "", "existing dataset id")
	fs.StringVar(&flags.userID, "user", "", "owner of a new dataset")
	fs.StringVar(&flags.username, "username", "", "profile handle")
	fs.StringVar(&flags.url, "url", "", "profile URL (defaults to the handle's profile)")
	fs.StringSliceVar(&flags.contentTypes, "content-types",
		[]string{string(domain.MediaImage), string(domain.MediaVideo), string(domain.MediaSidecar)},
		"media types to keep")
	fs.Int64Var(&flags.minViews, "min-views", 0, "drop posts with fewer views")
	fs.IntVar(&flags.daysLimit, "days", 7, "only posts newer than this many days")
	fs.IntVar(&flags.fetchLimit, "limit", 50, "maximum posts per harvest")
	fs.StringVar(&flags.frequency, "frequency", string(domain.FrequencyDaily), "daily, 3days or weekly")
	return cmd
}

func listCmd(f *common.Factory) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracking sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			sources, err := env.DB.SourceRepo.List(ctx, activeOnly)
			if err != nil {
				return err
			}
			RenderSources(cmd.OutOrStdout(), sources)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active sources")
	return cmd
}

func setActiveCmd(f *common.Factory, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [source-id]",
		Short: fmt.Sprintf("Mark a source %sd for scheduling", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			if err = env.DB.SourceRepo.SetActive(ctx, args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s %sd\n", args[0], use)
			return nil
		},
	}
}

func itemsCmd(f *common.Factory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "items [source-id]",
		Short: "List the latest harvested items of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			items, err := env.DB.ContentRepo.ListBySource(ctx, args[0], limit)
			if err != nil {
				return err
			}
			RenderItems(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of items")
	return cmd
}

// RenderSources writes sources as a table.
func RenderSources(out io.Writer, sources []*domain.TrackingSource) {
	t := common.NewTable(out, "ID", "User", "Username", "Active", "Frequency", "Min Views", "Last Harvested")
	for _, s := range sources {
		t.AppendRow(table.Row{
			s.ID,
			s.UserID,
			s.Username,
			s.IsActive,
			s.ParseFrequency,
			s.MinViewsFilter,
			common.FormatTime(s.LastHarvestedAt),
		})
	}
	t.Render()
}

// RenderItems writes content items as a table.
func RenderItems(out io.Writer, items []*domain.ContentItem) {
	t := common.NewTable(out, "ID", "Type", "Views", "Likes", "Published", "Enriched")
	for _, item := range items {
		t.AppendRow(table.Row{
			item.ID,
			item.MediaType,
			item.Views,
			item.Likes,
			common.FormatTime(&item.PublishedAt),
			item.IsEnriched(),
		})
	}
	t.Render()
}
