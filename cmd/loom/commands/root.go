package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configDir    string
	settingsPath string
	statePath    string
	metricsAddr  string
	logLevel     string
	jsonOutput   bool
)

// dirArgs lets commands accept the configuration directory as an optional
// positional argument, overriding --dir.
func dirArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
		return err
	}
	if len(args) == 1 {
		configDir = args[0]
	}
	return nil
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - declarative resource provisioning",
		Long: `Loom reconciles declared resources with recorded state.

Resources are declared in HCL files; loom diffs them against its state
store, plans the minimal set of create, update and destroy actions, and
executes the plan in dependency order. Cross-resource references such as
sim_table.contacts.arn are resolved as producing resources complete.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configDir, "dir", "d", ".", "directory containing .hcl config files")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings file path (default <dir>/.loom.yaml)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state store path override (.json or .db/.sqlite)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus /metrics on this address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output results in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
