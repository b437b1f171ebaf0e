package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	manifestPath string
	hostName     string
	logLevel     string
	jsonOutput   bool

	disablePolicies []string
	enablePolicies  []string

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "configurator",
		Short: "Configurator - declarative configuration for a single host",
		Long: `Configurator converges the local machine to the section of a manifest
that is keyed by its hostname.

Resources are applied in a fixed order:
  - packages (install, then uninstall)
  - files (content or clone, then mode, then owner and group)
  - commands (optionally guarded by onlyif)

Services are restarted when a file they depend on changed or a command
that names them succeeded. Manifests may be written in YAML, CUE or Starlark.

Run without a subcommand, configurator applies once, like "configurator apply".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, false, 0)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "manifest path (overrides settings)")
	rootCmd.PersistentFlags().StringVar(&hostName, "host", "", "manifest section to apply (default: hostname)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&disablePolicies, "disable-policy", nil, "policy to switch off (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&enablePolicies, "enable-policy", nil, "policy to switch on, e.g. one shipped disabled (repeatable)")

	// Add subcommands
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newServicesCommand())

	return rootCmd
}
