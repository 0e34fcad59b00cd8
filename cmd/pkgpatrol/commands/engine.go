package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkgpatrol/pkgpatrol/pkg/catalog"
	"github.com/pkgpatrol/pkgpatrol/pkg/config"
	"github.com/pkgpatrol/pkgpatrol/pkg/history"
	"github.com/pkgpatrol/pkgpatrol/pkg/orchestrator"
	"github.com/pkgpatrol/pkgpatrol/pkg/schedule"
	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
	"github.com/pkgpatrol/pkgpatrol/pkg/transaction"
)

// engine bundles the wired-up components a command needs.
type engine struct {
	cfg     config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	store   *history.Store
	client  *transaction.PackageKitClient
	policy  *schedule.Policy
	orch    *orchestrator.Orchestrator
}

// newEngine loads the configuration and wires the orchestrator. With
// resume, it reattaches to an in-flight transaction before returning.
func newEngine(ctx context.Context, resume bool) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics(cfg.MetricsEnabled)

	store, err := history.NewStore(history.Config{Path: cfg.HistoryPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	client, err := transaction.NewPackageKitClient(logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	policy := schedule.NewPolicy(schedule.NewSystemdBackend(), logger)

	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Client:  client,
		History: store,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics,
		Thresholds: catalog.Thresholds{
			MaxPackagesPerRow: cfg.Catalog.MaxPackagesPerRow,
			MaxChangelogRunes: cfg.Catalog.MaxChangelogRunes,
		},
		SelfPackage: cfg.SelfPackage,
		Resume:      resume,
	})
	if err != nil {
		client.Close()
		store.Close()
		return nil, err
	}

	return &engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
		client:  client,
		policy:  policy,
		orch:    orch,
	}, nil
}

func (e *engine) Close() {
	e.client.Close()
	e.store.Close()
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
