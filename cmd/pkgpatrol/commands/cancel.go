package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkgpatrol/pkgpatrol/pkg/session"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running install",
		Long: `Request cancellation of the running install transaction.

Cancellation is advisory: the transaction may complete before the request
takes effect, in which case the install still counts as applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer eng.Close()

			snap := eng.orch.CurrentState()
			if snap.Session.State != session.StateInstalling {
				return fmt.Errorf("no install in progress (session is %s)", snap.Session.State)
			}

			if err := eng.orch.CancelInstall(cmd.Context()); err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}

			fmt.Println("cancellation requested")
			return nil
		},
	}

	return cmd
}
