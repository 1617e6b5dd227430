// Package credits implements credit ledger commands.
package credits

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/ledger"
)

// Command returns the credits command.
func Command(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage user credit balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		openCmd(f),
		balanceCmd(f),
		mutateCmd(f, "add", "Credit a user's balance", domain.ReasonBonus),
		mutateCmd(f, "debit", "Debit a user's balance", domain.ReasonAIEnrichment),
		historyCmd(f),
		reconcileCmd(f),
		freeTestCmd(f),
		spendCmd(f),
	)
	return cmd
}

// withLedger opens the database, runs fn with a ledger, and closes everything.
func withLedger(
	f *common.Factory,
	fn func(cmd *cobra.Command, svc *ledger.Service, args []string) error,
) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := f.Open(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()
		return fn(cmd, env.Ledger(), args)
	}
}

func openCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "open [user-id]",
		Short: "Create a zero-balance account",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			created, err := svc.OpenAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "opened account %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "account %s already exists\n", args[0])
			}
			return nil
		}),
	}
}

func balanceCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [user-id]",
		Short: "Print the current balance",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			balance, err := svc.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", balance)
			return nil
		}),
	}
}

func mutateCmd(f *common.Factory, use, short string, defaultReason domain.ReasonCode) *cobra.Command {
	var reason, key string
	var amount int64
	cmd := &cobra.Command{
		Use:   use + " [user-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			var opts []ledger.Option
			if key != "" {
				opts = append(opts, ledger.WithIdempotencyKey(key))
			}
			opts = append(opts, ledger.WithMetadata(map[string]any{"source": "cli"}))

			mutate := svc.AddCredits
			if use == "debit" {
				mutate = svc.Debit
			}
			txn, err := mutate(cmd.Context(), args[0], amount, domain.ReasonCode(reason), opts...)
			if err != nil {
				return err
			}
			RenderTransactions(cmd.OutOrStdout(), []*domain.CreditTransaction{txn})
			return nil
		}),
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to move (positive)")
	cmd.Flags().StringVar(&reason, "reason", string(defaultReason), "reason code")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "apply at most once for this key")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func historyCmd(f *common.Factory) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history [user-id]",
		Short: "List transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			txns, err := svc.History(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			RenderTransactions(cmd.OutOrStdout(), txns)
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of transactions")
	cmd.Flags().IntVar(&offset, "offset", 0, "transactions to skip")
	return cmd
}

func reconcileCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Rebuild the cached balance from the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			res, err := svc.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d, computed %d, corrected %t\n", res.Cached, res.Computed, res.Corrected)
			return nil
		}),
	}
}

func freeTestCmd(f *common.Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "free-test [user-id]",
		Short: "Grant the one-time free test credits",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			txn, err := svc.GrantFreeTestCredits(cmd.Context(), args[0])
			if errors.Is(err, ledger.ErrAlreadyGranted) {
				fmt.Fprintf(cmd.OutOrStdout(), "free test credits already granted to %s\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			RenderTransactions(cmd.OutOrStdout(), []*domain.CreditTransaction{txn})
			return nil
		}),
	}
}

func spendCmd(f *common.Factory) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "spend [user-id]",
		Short: "Summarize enrichment spend per model",
		Args:  cobra.ExactArgs(1),
		RunE: withLedger(f, func(cmd *cobra.Command, svc *ledger.Service, args []string) error {
			spend, err := svc.SpendByModel(cmd.Context(), args[0], time.Now().Add(-since))
			if err != nil {
				return err
			}
			RenderSpend(cmd.OutOrStdout(), spend)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "look-back window")
	return cmd
}

// RenderTransactions writes transactions as a table.
func RenderTransactions(out io.Writer, txns []*domain.CreditTransaction) {
	t := common.NewTable(out, "ID", "Amount", "Reason", "Balance After", "Key", "Created")
	for _, txn := range txns {
		t.AppendRow(table.Row{
			txn.ID,
			fmt.Sprintf("%+d", txn.Amount),
			txn.Reason,
			txn.BalanceAfter,
			common.Deref(txn.IdempotencyKey),
			common.FormatTime(&txn.CreatedAt),
		})
	}
	t.Render()
}

// RenderSpend writes per-model spend with a total footer.
func RenderSpend(out io.Writer, spend []*domain.ModelSpend) {
	t := common.NewTable(out, "Model", "Credits", "Transactions")
	var total int64
	for _, s := range spend {
		total += s.Credits
		t.AppendRow(table.Row{s.Model, s.Credits, s.Transactions})
	}
	t.AppendFooter(table.Row{"Total", total, ""})
	t.Render()
}
