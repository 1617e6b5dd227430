// Package cmd implements the harvester command-line interface.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	cmdcredits "github.com/jonesrussell/north-cloud/harvester/cmd/credits"
	cmdjobs "github.com/jonesrussell/north-cloud/harvester/cmd/jobs"
	cmdmigrate "github.com/jonesrussell/north-cloud/harvester/cmd/migrate"
	cmdruns "github.com/jonesrussell/north-cloud/harvester/cmd/runs"
	cmdscheduler "github.com/jonesrussell/north-cloud/harvester/cmd/scheduler"
	cmdsources "github.com/jonesrussell/north-cloud/harvester/cmd/sources"
	cmdworker "github.com/jonesrussell/north-cloud/harvester/cmd/worker"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// NewRootCommand builds the command tree. Flags and HARVESTER_* variables are bound
// on the given viper instance.
func NewRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "harvester",
		Short:         "Content harvesting, enrichment and credit accounting",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.String(common.FlagConfig, "", "config file (default is $CONFIG_PATH or ./config.yml)")
	flags.String(common.FlagLogLevel, "", "log level override (debug, info, warn, error)")
	flags.Bool(common.FlagDev, false, "development logging")

	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harvester version %s\n", Version)
		},
	})

	f := common.NewFactory(v)
	root.AddCommand(
		cmdworker.Command(f),
		cmdmigrate.Command(f),
		cmdjobs.EnqueueCommand(f),
		cmdjobs.Command(f),
		cmdcredits.Command(f),
		cmdruns.Command(f),
		cmdsources.Command(f),
		cmdscheduler.Command(f),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand(viper.New()).ExecuteContext(context.Background())
}
