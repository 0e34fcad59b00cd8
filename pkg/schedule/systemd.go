package schedule

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	updateTimer   = "pkgpatrol-update.timer"
	rebootService = "pkgpatrol-reboot.service"
)

// runner executes a command and returns its combined output. Broken out
// so tests can substitute systemctl.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// SystemdBackend renders the automatic-update schedule as a systemd timer
// drop-in plus an environment file consumed by the oneshot update unit.
// The timer and the reboot trigger are always armed and disarmed together.
type SystemdBackend struct {
	run runner

	// DropInDir holds the timer drop-in (OnCalendar schedule).
	DropInDir string

	// EnvFile carries the update type to the oneshot service.
	EnvFile string
}

// NewSystemdBackend creates a backend with the standard system paths.
func NewSystemdBackend() *SystemdBackend {
	return &SystemdBackend{
		run:       execRunner,
		DropInDir: "/etc/systemd/system/pkgpatrol-update.timer.d",
		EnvFile:   "/etc/pkgpatrol/auto-update.env",
	}
}

// Probe reports whether systemd scheduling is available here.
func (b *SystemdBackend) Probe(ctx context.Context) Capability {
	if _, err := b.run(ctx, "systemctl", "--version"); err != nil {
		return Capability{Supported: false}
	}
	// The units ship with the package; a missing unit file means the
	// feature is not installed on this backend.
	if _, err := b.run(ctx, "systemctl", "cat", updateTimer); err != nil {
		return Capability{Supported: false}
	}
	return Capability{Supported: true, Operations: []string{"read", "write"}}
}

// Read reconstructs the config from unit state and rendered files.
func (b *SystemdBackend) Read(ctx context.Context) (Config, error) {
	timerState, _ := b.run(ctx, "systemctl", "is-enabled", updateTimer)
	rebootState, _ := b.run(ctx, "systemctl", "is-enabled", rebootService)
	enabled := timerState == "enabled" && rebootState == "enabled"

	cfg := Config{Enabled: enabled, Type: TypeAll}

	day, tm, err := b.readSchedule()
	if err != nil {
		return Config{}, err
	}
	cfg.Day = day
	cfg.Time = tm

	if t, err := b.readUpdateType(); err == nil && t != "" {
		cfg.Type = t
	}

	return cfg, nil
}

// Apply renders the full config as one logically atomic operation: the
// prior files and unit states are snapshotted first, and any failure
// rolls everything back, so a failed apply is never observably partial
// and the timer is never left armed without the reboot trigger.
func (b *SystemdBackend) Apply(ctx context.Context, cfg Config) error {
	prior, err := b.snapshot(ctx)
	if err != nil {
		return err
	}

	if err := b.apply(ctx, cfg); err != nil {
		b.restore(ctx, prior)
		return err
	}
	return nil
}

func (b *SystemdBackend) apply(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		// Disabling removes the timer and the reboot trigger together.
		if _, err := b.run(ctx, "systemctl", "disable", "--now", updateTimer); err != nil {
			return fmt.Errorf("failed to disable %s: %w", updateTimer, err)
		}
		if _, err := b.run(ctx, "systemctl", "disable", rebootService); err != nil {
			return fmt.Errorf("failed to disable %s: %w", rebootService, err)
		}
		return nil
	}

	if err := writeAtomic(filepath.Join(b.DropInDir, "schedule.conf"), renderDropIn(cfg.Day, cfg.Time)); err != nil {
		return fmt.Errorf("failed to write timer drop-in: %w", err)
	}
	if err := writeAtomic(b.EnvFile, renderEnv(cfg.Type)); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	if _, err := b.run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload units: %w", err)
	}

	// Enabling arms the timer and the reboot trigger together.
	if _, err := b.run(ctx, "systemctl", "enable", "--now", updateTimer); err != nil {
		return fmt.Errorf("failed to enable %s: %w", updateTimer, err)
	}
	if _, err := b.run(ctx, "systemctl", "enable", rebootService); err != nil {
		return fmt.Errorf("failed to enable %s: %w", rebootService, err)
	}

	return nil
}

// priorState captures the rendered files and unit enablement before an
// apply, so a failed apply can be rolled back.
type priorState struct {
	dropIn        []byte
	dropInExists  bool
	env           []byte
	envExists     bool
	timerEnabled  bool
	rebootEnabled bool
}

func (b *SystemdBackend) snapshot(ctx context.Context) (priorState, error) {
	var prior priorState

	data, err := os.ReadFile(filepath.Join(b.DropInDir, "schedule.conf"))
	if err == nil {
		prior.dropIn = data
		prior.dropInExists = true
	} else if !os.IsNotExist(err) {
		return priorState{}, fmt.Errorf("failed to read timer drop-in: %w", err)
	}

	data, err = os.ReadFile(b.EnvFile)
	if err == nil {
		prior.env = data
		prior.envExists = true
	} else if !os.IsNotExist(err) {
		return priorState{}, fmt.Errorf("failed to read env file: %w", err)
	}

	timerState, _ := b.run(ctx, "systemctl", "is-enabled", updateTimer)
	rebootState, _ := b.run(ctx, "systemctl", "is-enabled", rebootService)
	prior.timerEnabled = timerState == "enabled"
	prior.rebootEnabled = rebootState == "enabled"

	return prior, nil
}

// restore puts files and unit states back as snapshotted. Best effort:
// the caller reports the original apply failure either way.
func (b *SystemdBackend) restore(ctx context.Context, prior priorState) {
	dropInPath := filepath.Join(b.DropInDir, "schedule.conf")
	if prior.dropInExists {
		_ = writeAtomic(dropInPath, string(prior.dropIn))
	} else {
		_ = os.Remove(dropInPath)
	}
	if prior.envExists {
		_ = writeAtomic(b.EnvFile, string(prior.env))
	} else {
		_ = os.Remove(b.EnvFile)
	}

	_, _ = b.run(ctx, "systemctl", "daemon-reload")

	if prior.timerEnabled {
		_, _ = b.run(ctx, "systemctl", "enable", "--now", updateTimer)
	} else {
		_, _ = b.run(ctx, "systemctl", "disable", "--now", updateTimer)
	}
	if prior.rebootEnabled {
		_, _ = b.run(ctx, "systemctl", "enable", rebootService)
	} else {
		_, _ = b.run(ctx, "systemctl", "disable", rebootService)
	}
}

func (b *SystemdBackend) readSchedule() (day, tm string, err error) {
	data, err := os.ReadFile(filepath.Join(b.DropInDir, "schedule.conf"))
	if os.IsNotExist(err) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read timer drop-in: %w", err)
	}
	return parseOnCalendar(string(data)), parseTime(string(data)), nil
}

func (b *SystemdBackend) readUpdateType() (UpdateType, error) {
	data, err := os.ReadFile(b.EnvFile)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "PKGPATROL_UPDATE_TYPE="); ok {
			return UpdateType(v), nil
		}
	}
	return "", nil
}

// renderDropIn renders the OnCalendar drop-in. An empty day means every
// day; a concrete weekday restricts the schedule to that day.
func renderDropIn(day, tm string) string {
	onCalendar := tm
	if day != "" {
		onCalendar = day + " " + tm
	}
	return fmt.Sprintf("[Timer]\nOnCalendar=\nOnCalendar=%s\n", onCalendar)
}

func renderEnv(t UpdateType) string {
	return fmt.Sprintf("PKGPATROL_UPDATE_TYPE=%s\n", t)
}

// parseOnCalendar extracts the weekday from a rendered drop-in, or "".
func parseOnCalendar(data string) string {
	fields := strings.Fields(onCalendarValue(data))
	if len(fields) == 2 {
		return fields[0]
	}
	return ""
}

// parseTime extracts the HH:MM component from a rendered drop-in.
func parseTime(data string) string {
	fields := strings.Fields(onCalendarValue(data))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func onCalendarValue(data string) string {
	value := ""
	for _, line := range strings.Split(data, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "OnCalendar="); ok && v != "" {
			value = v
		}
	}
	return value
}

func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
