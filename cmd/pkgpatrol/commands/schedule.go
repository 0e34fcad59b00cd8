package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkgpatrol/pkgpatrol/pkg/schedule"
)

func newScheduleCommand() *cobra.Command {
	var (
		enable     bool
		disable    bool
		updateType string
		day        string
		timeOfDay  string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show or set the automatic-update schedule",
		Long: `Show or change the automatic-update schedule.

Enabling a schedule arms both the update timer and the post-update reboot
trigger; disabling removes both. Without flags the current schedule is
printed.`,
		Example: `  # Show the current schedule
  pkgpatrol schedule

  # Run security updates every day at 06:00
  pkgpatrol schedule --enable --type security --time 06:00

  # Run all updates on Saturdays at 03:30
  pkgpatrol schedule --enable --type all --day Sat --time 03:30

  # Turn automatic updates off
  pkgpatrol schedule --disable`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}

			eng, err := newEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer eng.Close()

			if !enable && !disable {
				cfg, err := eng.policy.Read(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cfg)
				}
				printSchedule(cfg)
				return nil
			}

			cfg := schedule.Config{
				Enabled: enable,
				Type:    schedule.UpdateType(updateType),
				Day:     day,
				Time:    timeOfDay,
			}
			if err := eng.orch.SetAutoUpdate(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("failed to apply schedule: %w", err)
			}

			if enable {
				fmt.Println("automatic updates enabled")
			} else {
				fmt.Println("automatic updates disabled")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&enable, "enable", false, "enable automatic updates")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable automatic updates")
	cmd.Flags().StringVar(&updateType, "type", "security", "updates to install (all|security)")
	cmd.Flags().StringVar(&day, "day", "", "weekday (Mon..Sun); empty means every day")
	cmd.Flags().StringVar(&timeOfDay, "time", "06:00", "time of day as HH:MM")

	return cmd
}

func printSchedule(cfg schedule.Config) {
	if !cfg.Supported {
		fmt.Println("automatic updates are not supported on this system")
		return
	}
	if !cfg.Enabled {
		fmt.Println("automatic updates are disabled")
		return
	}
	day := cfg.Day
	if day == "" {
		day = "every day"
	}
	fmt.Printf("%s updates, %s at %s (reboot after install)\n", cfg.Type, day, cfg.Time)
}
