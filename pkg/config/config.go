// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
)

// CatalogConfig bounds catalog presentation.
type CatalogConfig struct {
	// MaxPackagesPerRow limits visible binary packages per row.
	MaxPackagesPerRow int `yaml:"max_packages_per_row" validate:"gt=0"`

	// MaxChangelogRunes limits visible changelog length.
	MaxChangelogRunes int `yaml:"max_changelog_runes" validate:"gt=0"`
}

// Config is the engine configuration.
type Config struct {
	// Logging configures the structured logger.
	Logging telemetry.LoggingConfig `yaml:"logging"`

	// HistoryPath is the SQLite file holding the update history. It must
	// live on persistent storage so history survives reboots.
	HistoryPath string `yaml:"history_path" validate:"required"`

	// HistoryKeep is how many batches Prune retains.
	HistoryKeep int `yaml:"history_keep" validate:"gte=0"`

	// Catalog bounds the update catalog presentation.
	Catalog CatalogConfig `yaml:"catalog"`

	// SelfPackage is the source package hosting this engine; a pending
	// update to it triggers the self-update advisory.
	SelfPackage string `yaml:"self_package"`

	// MetricsEnabled turns on the Prometheus registry.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsListen is the metrics listen address when enabled.
	MetricsListen string `yaml:"metrics_listen" validate:"omitempty,hostname_port"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Logging: telemetry.LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		HistoryPath: "/var/lib/pkgpatrol/history.db",
		HistoryKeep: 100,
		Catalog: CatalogConfig{
			MaxPackagesPerRow: 8,
			MaxChangelogRunes: 600,
		},
		SelfPackage:   "pkgpatrol",
		MetricsListen: "127.0.0.1:9477",
	}
}

// Load reads the YAML config at path over the defaults and validates it.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
