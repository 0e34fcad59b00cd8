package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkgpatrol/pkgpatrol/pkg/catalog"
	"github.com/pkgpatrol/pkgpatrol/pkg/config"
)

func newDaemonCommand() *cobra.Command {
	var checkInterval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the update engine as a long-lived service",
		Long: `Run the engine as a long-lived service.

On startup the daemon reattaches to any in-flight install transaction, so
an install survives a daemon restart without losing its outcome. It then
checks for updates periodically, watches the config file for changes, and
serves Prometheus metrics when enabled.`,
		Example: `  # Run with the default six-hour check interval
  pkgpatrol daemon --config /etc/pkgpatrol/config.yaml

  # Check hourly
  pkgpatrol daemon --check-interval 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkInterval < time.Minute {
				return fmt.Errorf("check interval must be at least one minute")
			}

			eng, err := newEngine(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer eng.Close()

			return runDaemon(cmd.Context(), eng, checkInterval)
		},
	}

	cmd.Flags().DurationVar(&checkInterval, "check-interval", 6*time.Hour, "time between update checks")

	return cmd
}

func runDaemon(ctx context.Context, eng *engine, checkInterval time.Duration) error {
	logger := eng.logger.NewComponentLogger("daemon")

	if eng.cfg.MetricsEnabled {
		srv := &http.Server{
			Addr:              eng.cfg.MetricsListen,
			Handler:           eng.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("serving metrics on %s", eng.cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, eng.logger, func(cfg config.Config) {
				eng.orch.SetThresholds(catalog.Thresholds{
					MaxPackagesPerRow: cfg.Catalog.MaxPackagesPerRow,
					MaxChangelogRunes: cfg.Catalog.MaxChangelogRunes,
				})
				logger.Infof("config reloaded from %s", configPath)
			})
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("config watcher stopped")
			}
		}()
	}

	runCheck := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
		defer cancel()
		if err := eng.orch.CheckNow(checkCtx); err != nil {
			// Discovery failures surface on the next tick; no retry loop.
			logger.WithError(err).Warn("update check failed")
		}
	}

	runCheck()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCheck()
		case <-ctx.Done():
			logger.Infof("daemon shutting down")
			return nil
		}
	}
}
