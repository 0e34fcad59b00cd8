package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgpatrol/pkgpatrol/pkg/catalog"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check for available updates",
		Long: `Refresh the package cache and list available updates.

Security-relevant updates are listed first, with their CVE ids and bug
references. Discovery failures are reported as-is and never retried.`,
		Example: `  # Check for updates
  pkgpatrol check

  # Check and emit the catalog as JSON
  pkgpatrol check --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.orch.CheckNow(cmd.Context()); err != nil {
				return fmt.Errorf("check failed: %w", err)
			}

			snap := eng.orch.CurrentState()
			if jsonOutput {
				return printJSON(snap.Rows)
			}

			fmt.Println(snap.Summary)
			for _, row := range snap.Rows {
				printRow(row)
			}
			return nil
		},
	}

	return cmd
}

func printRow(row catalog.Row) {
	marker := " "
	if row.Security {
		marker = "!"
	}

	names := make([]string, 0, len(row.Packages))
	for _, p := range row.Packages {
		names = append(names, p.Name)
	}
	pkgs := strings.Join(names, ", ")
	if row.HiddenPackages > 0 {
		pkgs = fmt.Sprintf("%s (and %d more)", pkgs, row.HiddenPackages)
	}

	fmt.Printf("%s %s %s\n    %s\n", marker, row.Source, row.Version, pkgs)
	if len(row.CVEs) > 0 {
		fmt.Printf("    %s\n", strings.Join(row.CVEs, ", "))
	}
}
