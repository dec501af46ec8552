package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// Version string passed from main, used when wiring telemetry.
	appVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skylift",
		Short: "Skylift - deployment lifecycle engine",
		Long: `Skylift deploys applications from a git URL to cloud infrastructure
and watches them come up.

Every deployment is an append-only event log: terraform progress, remote
bootstrap logs, classified failures, smoke checks, and teardown all land
in the same stream, and status is always derived from it. Deployments
can carry a TTL and are garbage collected when it expires.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTTLCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
