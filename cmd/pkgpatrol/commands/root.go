package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pkgpatrol",
		Short: "pkgpatrol - Package Update Orchestration Engine",
		Long: `pkgpatrol discovers, classifies, and applies operating-system package
updates through the system package-transaction service.

Features:
  - Update discovery with security classification (severity, CVEs, changelogs)
  - Transactional installs with live progress and cancellation
  - Durable update history that survives reboots
  - Automatic-update scheduling via systemd timers
  - Reattach to in-flight transactions after a restart`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newDaemonCommand())

	return rootCmd
}
