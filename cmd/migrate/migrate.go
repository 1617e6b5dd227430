// Package migrate implements schema migration commands.
package migrate

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
)

// Command returns the migrate command.
func Command(f *common.Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(f, func(cmd *cobra.Command, m *database.Migrator, _ []string) error {
			return m.Down(steps)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(f, func(_ *cobra.Command, m *database.Migrator, _ []string) error {
				return m.Up()
			}),
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withMigrator(f, func(cmd *cobra.Command, m *database.Migrator, _ []string) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force [version]",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(f, func(_ *cobra.Command, m *database.Migrator, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return m.Force(version)
			}),
		},
	)
	return cmd
}

func withMigrator(
	f *common.Factory,
	run func(cmd *cobra.Command, m *database.Migrator, args []string) error,
) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := f.Open(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := bootstrap.NewMigrator(env.CommandDeps, env.DB.DB)
		if err != nil {
			return err
		}
		return run(cmd, m, args)
	}
}
