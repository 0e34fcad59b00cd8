// Package schedule manages the automatic-update policy: reading and
// writing the timer schedule, update type, and reboot linkage through an
// external scheduler capability, with an explicit capability probe
// instead of per-backend type dispatch.
package schedule

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// UpdateType selects which updates the automatic run installs.
type UpdateType string

const (
	// TypeAll installs every available update.
	TypeAll UpdateType = "all"

	// TypeSecurity installs only security updates.
	TypeSecurity UpdateType = "security"
)

// Validate checks if the update type is a known value.
func (t UpdateType) Validate() error {
	switch t {
	case TypeAll, TypeSecurity:
		return nil
	default:
		return fmt.Errorf("invalid update type: %s", t)
	}
}

var (
	timePattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

	weekdays = map[string]bool{
		"Mon": true, "Tue": true, "Wed": true, "Thu": true,
		"Fri": true, "Sat": true, "Sun": true,
	}
)

// Config is the automatic-update configuration.
type Config struct {
	// Enabled arms the schedule. Whenever true, the rendered schedule
	// arms both the timer and the automatic-reboot trigger together.
	Enabled bool `json:"enabled"`

	// Type selects all or security-only updates.
	Type UpdateType `json:"type"`

	// Day restricts the schedule to one weekday ("Mon".."Sun");
	// empty means every day.
	Day string `json:"day,omitempty"`

	// Time is the run time as "HH:MM". Any valid hour:minute pair is
	// accepted; the set of offered choices is a presentation concern.
	Time string `json:"time"`

	// Supported reports whether the backend supports scheduling at all.
	Supported bool `json:"supported"`
}

// Validate checks the config fields of an enabled schedule.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := c.Type.Validate(); err != nil {
		return err
	}
	if c.Day != "" && !weekdays[c.Day] {
		return fmt.Errorf("invalid weekday: %s", c.Day)
	}
	if !timePattern.MatchString(c.Time) {
		return fmt.Errorf("invalid time: %q (want HH:MM)", c.Time)
	}
	return nil
}

// Capability describes what the scheduling backend can do.
type Capability struct {
	// Supported reports whether the feature exists on this backend.
	Supported bool `json:"supported"`

	// Operations lists the supported operations (e.g., "read", "write").
	Operations []string `json:"operations,omitempty"`
}

// Backend is an external scheduler capability.
type Backend interface {
	// Probe reports whether the backend supports automatic updates.
	Probe(ctx context.Context) Capability

	// Read returns the currently rendered schedule.
	Read(ctx context.Context) (Config, error)

	// Apply renders the whole config: timer state, schedule, update
	// type, and reboot linkage. Implementations must leave the prior
	// state intact when any step fails.
	Apply(ctx context.Context, cfg Config) error
}

// Policy serializes schedule reads and writes over one backend.
type Policy struct {
	mu      sync.Mutex
	backend Backend
	logger  *telemetry.Logger
}

// NewPolicy creates a policy over the given backend.
func NewPolicy(backend Backend, logger *telemetry.Logger) *Policy {
	return &Policy{
		backend: backend,
		logger:  logger.NewComponentLogger("schedule"),
	}
}

// Read returns the current configuration. An unsupported backend yields
// Supported=false with no error; all writes against it fail.
func (p *Policy) Read(ctx context.Context) (Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cap := p.backend.Probe(ctx)
	if !cap.Supported {
		return Config{Supported: false}, nil
	}

	cfg, err := p.backend.Read(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read schedule: %w", err)
	}
	cfg.Supported = true
	return cfg, nil
}

// Write applies the config as one logically atomic operation. Calls are
// serialized per policy instance; a failed write leaves the prior
// configuration fully intact.
func (p *Policy) Write(ctx context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cap := p.backend.Probe(ctx)
	if !cap.Supported {
		return updates.NewError(updates.KindUnsupported, "automatic updates are not supported on this system", nil)
	}

	if err := cfg.Validate(); err != nil {
		return updates.NewError(updates.KindApplyFailed, "invalid schedule config", err)
	}

	if err := p.backend.Apply(ctx, cfg); err != nil {
		return updates.NewError(updates.KindApplyFailed, "failed to apply schedule", err)
	}

	p.logger.Infof("automatic updates %s", describe(cfg))
	return nil
}

// Capability exposes the backend's capability descriptor.
func (p *Policy) Capability(ctx context.Context) Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Probe(ctx)
}

func describe(cfg Config) string {
	if !cfg.Enabled {
		return "disabled"
	}
	day := cfg.Day
	if day == "" {
		day = "every day"
	}
	return fmt.Sprintf("enabled (%s at %s, type %s)", day, cfg.Time, cfg.Type)
}
