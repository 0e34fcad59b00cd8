package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine state",
		Long: `Show the current engine state: install session, last check time,
auto-update schedule, and whether a reboot is pending.

Reattaches to an in-flight transaction first, so a running install shows
up even when it was started by another process or before a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer eng.Close()

			snap := eng.orch.CurrentState()
			if jsonOutput {
				return printJSON(snap)
			}

			fmt.Printf("session: %s\n", snap.Session.State)
			if snap.Session.State.IsActive() {
				fmt.Printf("progress: %d%%\n", snap.Session.Progress)
			}
			if snap.Session.Error != "" {
				fmt.Printf("error: %s\n", snap.Session.Error)
			}
			if !snap.LastChecked.IsZero() {
				fmt.Printf("last checked: %s\n", snap.LastChecked.Format("2006-01-02 15:04:05"))
			}
			if snap.AutoUpdate.Supported {
				if snap.AutoUpdate.Enabled {
					fmt.Printf("auto-update: %s updates, %s %s\n",
						snap.AutoUpdate.Type, snap.AutoUpdate.Day, snap.AutoUpdate.Time)
				} else {
					fmt.Println("auto-update: disabled")
				}
			} else {
				fmt.Println("auto-update: not supported on this system")
			}
			if snap.RebootRequired {
				fmt.Println("reboot required")
			}
			return nil
		},
	}

	return cmd
}
