package jobs

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/queue"
)

// EnqueueCommand returns the enqueue command.
func EnqueueCommand(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(enqueueHarvestCmd(f), enqueueEnrichCmd(f), enqueueTestCmd(f))
	return cmd
}

func enqueueHarvestCmd(f *common.Factory) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "harvest [source-id]",
		Short: "Queue a HARVEST_SOURCE job for the source's owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			src, err := env.DB.SourceRepo.GetByID(ctx, args[0])
			if err != nil {
				return err
			}

			q := env.Queue(ctx)
			if !force {
				pending, pendingErr := q.HasPendingHarvest(ctx, src.ID)
				if pendingErr != nil {
					return pendingErr
				}
				if pending {
					return fmt.Errorf("a harvest of source %s is already queued or running (use --force)", src.ID)
				}
			}

			handle, err := q.Enqueue(ctx, queue.JobRequest{
				Type:    domain.JobHarvestSource,
				Payload: domain.HarvestSourcePayload{SourceID: src.ID},
				UserID:  src.UserID,
			})
			if err != nil {
				return err
			}
			return printHandle(cmd, handle)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "enqueue even when a harvest is already pending")
	return cmd
}

func enqueueEnrichCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich [content-item-id]",
		Short: "Queue an ENRICH_ITEM job charged to the item's owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			item, err := env.DB.ContentRepo.GetWithOwner(ctx, args[0])
			if err != nil {
				return err
			}

			handle, err := env.Queue(ctx).Enqueue(ctx, queue.JobRequest{
				Type:    domain.JobEnrichItem,
				Payload: domain.EnrichItemPayload{ContentItemID: item.ID},
				UserID:  item.OwnerID,
			})
			if err != nil {
				return err
			}
			return printHandle(cmd, handle)
		},
	}
}

func enqueueTestCmd(f *common.Factory) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "test [message]",
		Short: "Queue a TEST_JOB that only logs its message",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := f.Open(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			message := "ping"
			if len(args) == 1 {
				message = args[0]
			}
			handle, err := env.Queue(ctx).Enqueue(ctx, queue.JobRequest{
				Type:    domain.JobTest,
				Payload: domain.TestJobPayload{Message: message, Timestamp: time.Now().UTC()},
				UserID:  userID,
			})
			if err != nil {
				return err
			}
			return printHandle(cmd, handle)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "system", "user the job runs on behalf of")
	return cmd
}

func printHandle(cmd *cobra.Command, h *queue.JobHandle) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s job %s (max attempts %d)\n", h.Type, h.ID, h.MaxAttempts)
	return err
}
