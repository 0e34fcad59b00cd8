package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show applied update batches",
		Long: `List applied update batches, newest first.

Each batch keeps the packages it applied as one entry; batches are never
flattened into a single package list. With --prune, old batches beyond
the configured retention are deleted first.`,
		Example: `  # Show update history
  pkgpatrol history

  # Trim old batches, then show what remains
  pkgpatrol history --prune`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer eng.Close()

			if prune {
				removed, err := eng.store.Prune(cmd.Context(), eng.cfg.HistoryKeep)
				if err != nil {
					return fmt.Errorf("prune failed: %w", err)
				}
				fmt.Printf("pruned %d batch(es)\n", removed)
			}

			entries, err := eng.store.List(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entries)
			}

			if len(entries) == 0 {
				fmt.Println("no updates have been applied")
				return nil
			}

			for _, entry := range entries {
				names := make([]string, 0, len(entry.Packages))
				for _, p := range entry.Packages {
					names = append(names, fmt.Sprintf("%s %s", p.Package.Name, p.Version))
				}
				fmt.Printf("%s  %d package(s)\n    %s\n",
					entry.AppliedAt.Format("2006-01-02 15:04:05"),
					len(entry.Packages),
					strings.Join(names, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "delete batches beyond the configured retention")

	return cmd
}
