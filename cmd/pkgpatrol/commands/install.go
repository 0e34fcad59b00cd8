package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkgpatrol/pkgpatrol/pkg/orchestrator"
	"github.com/pkgpatrol/pkgpatrol/pkg/session"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

func newInstallCommand() *cobra.Command {
	var securityOnly bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install available updates",
		Long: `Check for updates and install them in one transaction.

The command streams progress until the transaction finishes. Interrupting
the command does not abort the install; a later invocation reattaches to
the running transaction.`,
		Example: `  # Install all available updates
  pkgpatrol install

  # Install security updates only
  pkgpatrol install --security-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.orch.CheckNow(cmd.Context()); err != nil {
				return fmt.Errorf("check failed: %w", err)
			}

			snap := eng.orch.CurrentState()
			if snap.Total == 0 {
				fmt.Println(snap.Summary)
				return nil
			}

			sel := updates.SelectionAll
			if securityOnly {
				sel = updates.SelectionSecurity
			}

			done := make(chan session.Snapshot, 1)
			unsubscribe := eng.orch.Subscribe(func(s orchestrator.Snapshot) {
				reportProgress(s.Session)
				if s.Session.State.IsTerminal() {
					select {
					case done <- s.Session:
					default:
					}
				}
			})
			defer unsubscribe()

			if err := eng.orch.Install(cmd.Context(), sel); err != nil {
				return fmt.Errorf("install failed to start: %w", err)
			}

			select {
			case final := <-done:
				return reportOutcome(final)
			case <-cmd.Context().Done():
				fmt.Println("detached; the install continues in the background")
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&securityOnly, "security-only", false, "install security updates only")

	return cmd
}

func reportProgress(s session.Snapshot) {
	if s.State != session.StateInstalling {
		return
	}
	if s.CurrentPackage != "" {
		fmt.Printf("\r%3d%%  %s", s.Progress, s.CurrentPackage)
	} else {
		fmt.Printf("\r%3d%%", s.Progress)
	}
}

func reportOutcome(s session.Snapshot) error {
	fmt.Println()
	switch s.State {
	case session.StateSucceeded:
		fmt.Println("updates installed")
		if s.RebootRequired {
			fmt.Println("a reboot is required to finish applying updates")
		}
		return nil
	case session.StateCancelled:
		fmt.Println("install cancelled")
		return nil
	default:
		return fmt.Errorf("install failed: %s", s.Error)
	}
}
