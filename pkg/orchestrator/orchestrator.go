// Package orchestrator composes the update engine: catalog, install
// session, history, and automatic-update policy behind one facade. The
// orchestrator is the sole writer of the session and the auto-update
// configuration, and the only mutation surface exposed to observers.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkgpatrol/pkgpatrol/pkg/catalog"
	"github.com/pkgpatrol/pkgpatrol/pkg/schedule"
	"github.com/pkgpatrol/pkgpatrol/pkg/session"
	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
	"github.com/pkgpatrol/pkgpatrol/pkg/transaction"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// HistoryStore is the slice of the history package the orchestrator needs.
type HistoryStore interface {
	Append(ctx context.Context, entry updates.HistoryEntry) error
	List(ctx context.Context) ([]updates.HistoryEntry, error)
}

// Snapshot is the single state type exposed to observers.
type Snapshot struct {
	// Rows is the catalog in presentation order.
	Rows []catalog.Row `json:"rows"`

	// Total and Security are the catalog row counts.
	Total    int `json:"total"`
	Security int `json:"security"`

	// Summary is the one-line catalog wording.
	Summary string `json:"summary"`

	// LastChecked is when the catalog was last refreshed; zero before
	// the first check.
	LastChecked time.Time `json:"last_checked,omitempty"`

	// Session is the install session state.
	Session session.Snapshot `json:"session"`

	// History lists applied batches, newest first.
	History []updates.HistoryEntry `json:"history,omitempty"`

	// AutoUpdate is the current automatic-update configuration.
	AutoUpdate schedule.Config `json:"auto_update"`

	// ApplyingSchedule is true while a schedule write is in flight.
	ApplyingSchedule bool `json:"applying_schedule,omitempty"`

	// RebootRequired flags that an applied batch needs a reboot.
	RebootRequired bool `json:"reboot_required,omitempty"`
}

// Observer receives a snapshot after every observable mutation.
type Observer func(Snapshot)

// Options configures an Orchestrator.
type Options struct {
	Client     transaction.Client
	History    HistoryStore
	Policy     *schedule.Policy
	Logger     *telemetry.Logger
	Metrics    *telemetry.Metrics
	Thresholds catalog.Thresholds

	// SelfPackage is the source package hosting this engine.
	SelfPackage string

	// Resume reattaches to a possibly-running transaction on startup.
	Resume bool
}

// Orchestrator is the top-level facade of the update engine.
type Orchestrator struct {
	mu sync.Mutex

	client     transaction.Client
	history    HistoryStore
	policy     *schedule.Policy
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	thresholds catalog.Thresholds
	selfPkg    string

	raw         []updates.UpdateInfo
	cat         *catalog.Catalog
	lastChecked time.Time

	sess             *session.Session
	autoUpdate       schedule.Config
	applyingSchedule bool
	rebootRequired   bool

	// installPending reserves the session between the busy check and the
	// session actually entering Installing, so two concurrent Install
	// calls can never both start a backend transaction.
	installPending bool

	subMu   sync.Mutex
	subs    map[int]Observer
	nextSub int
}

// New builds an orchestrator. With opts.Resume it attempts to reattach to
// an in-flight transaction before serving commands, so an install that
// restarted this process is never silently forgotten.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Client == nil || opts.History == nil || opts.Policy == nil {
		return nil, fmt.Errorf("client, history, and policy are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics(false)
	}

	o := &Orchestrator{
		client:     opts.Client,
		history:    opts.History,
		policy:     opts.Policy,
		logger:     opts.Logger.NewComponentLogger("orchestrator"),
		metrics:    opts.Metrics,
		thresholds: opts.Thresholds,
		selfPkg:    opts.SelfPackage,
		cat:        catalog.Build(nil, opts.Thresholds),
		subs:       make(map[int]Observer),
	}
	o.sess = o.newSession()

	if cfg, err := opts.Policy.Read(ctx); err == nil {
		o.autoUpdate = cfg
	} else {
		o.logger.WithError(err).Warn("failed to read auto-update config")
	}

	if opts.Resume {
		if err := o.sess.Resume(ctx, o.client); err != nil {
			o.logger.WithError(err).Warn("could not resume prior install session")
		} else if !o.sess.Snapshot().Ambiguous {
			// The reattached transaction may already have finished; the
			// watcher folds its terminal outcome in either way.
			o.watchSession(o.sess, nil)
		}
	}

	return o, nil
}

// CurrentState returns a snapshot of catalog, session, history, and
// auto-update configuration.
func (o *Orchestrator) CurrentState() Snapshot {
	return o.snapshot()
}

// Subscribe registers an observer and returns its unsubscribe function.
// The observer is immediately called with the current snapshot.
func (o *Orchestrator) Subscribe(fn Observer) func() {
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subMu.Unlock()

	fn(o.snapshot())

	return func() {
		o.subMu.Lock()
		delete(o.subs, id)
		o.subMu.Unlock()
	}
}

// CheckNow refreshes the service cache, lists updates, lazily enriches
// them with changelog/CVE detail, and rebuilds the catalog. Discovery
// failures surface verbatim and are never retried automatically.
func (o *Orchestrator) CheckNow(ctx context.Context) error {
	o.mu.Lock()
	if o.installPending {
		o.mu.Unlock()
		return updates.NewError(updates.KindBusy, "an install is already in progress", nil)
	}
	o.ensureFreshSessionLocked()
	sess := o.sess
	o.mu.Unlock()

	if err := sess.BeginCheck(); err != nil {
		return err
	}
	defer sess.EndCheck()

	if err := o.client.RefreshCache(ctx); err != nil {
		return err
	}

	raw, err := o.client.ListUpdates(ctx)
	if err != nil {
		return err
	}

	for i := range raw {
		if raw[i].Changelog != "" || len(raw[i].CVEs) > 0 {
			continue
		}
		detail, err := o.client.GetDetail(ctx, raw[i].Package)
		if err != nil {
			// Detail is an enrichment; the update itself stays listed.
			o.logger.WithError(err).Debugf("no update detail for %s", raw[i].Package)
			continue
		}
		raw[i].Changelog = detail.Changelog
		raw[i].CVEs = append(raw[i].CVEs, detail.CVEs...)
		raw[i].BugRefs = append(raw[i].BugRefs, detail.BugRefs...)
	}

	o.mu.Lock()
	o.raw = raw
	o.cat = catalog.Build(raw, o.thresholds)
	o.lastChecked = time.Now()
	total, security := o.cat.Count()
	o.mu.Unlock()

	o.metrics.CheckRan(total, security)
	o.logger.Infof("check complete: %s", catalog.Summary(total, security))
	o.notify()
	return nil
}

// Install starts one install session covering the selection. A second
// install while a session is active fails with a busy error and never
// starts a second transaction.
func (o *Orchestrator) Install(ctx context.Context, sel updates.Selection) error {
	if err := sel.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.installPending || o.sess.State().IsActive() {
		o.mu.Unlock()
		return updates.NewError(updates.KindBusy, "an install is already in progress", nil)
	}
	o.ensureFreshSessionLocked()
	sess := o.sess

	covered := o.cat.Covered(sel)
	if len(covered) == 0 {
		o.mu.Unlock()
		return fmt.Errorf("no updates match selection %q", sel)
	}

	applied := make([]updates.AppliedPackage, 0, len(covered))
	selfUpdate := false
	for _, u := range covered {
		applied = append(applied, updates.AppliedPackage{Package: u.Package, Version: u.CandidateVersion})
		if o.selfPkg != "" && u.Package.Source == o.selfPkg {
			selfUpdate = true
		}
	}
	o.installPending = true
	o.mu.Unlock()

	handle, err := o.client.Install(ctx, sel)
	if err != nil {
		o.clearInstallPending()
		return err
	}

	if err := sess.Start(handle, sel, applied, selfUpdate); err != nil {
		o.clearInstallPending()
		// Session raced into another state; abandon the transaction.
		_ = handle.Cancel(ctx)
		return err
	}
	o.clearInstallPending()

	o.watchSession(sess, covered)
	return nil
}

func (o *Orchestrator) clearInstallPending() {
	o.mu.Lock()
	o.installPending = false
	o.mu.Unlock()
}

// CancelInstall requests cancellation of the running install. Advisory:
// the terminal outcome still arrives via the event stream.
func (o *Orchestrator) CancelInstall(ctx context.Context) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	return sess.Cancel(ctx)
}

// SetAutoUpdate applies a new automatic-update configuration. A single
// transient "applying" state spans every external side effect; failure
// leaves the prior configuration fully intact.
func (o *Orchestrator) SetAutoUpdate(ctx context.Context, cfg schedule.Config) error {
	o.mu.Lock()
	o.applyingSchedule = true
	o.mu.Unlock()
	o.notify()

	err := o.policy.Write(ctx, cfg)

	o.mu.Lock()
	o.applyingSchedule = false
	if err == nil {
		if current, readErr := o.policy.Read(ctx); readErr == nil {
			o.autoUpdate = current
		} else {
			o.autoUpdate = cfg
			o.autoUpdate.Supported = true
		}
	}
	o.mu.Unlock()
	o.notify()

	return err
}

// SetThresholds replaces the catalog truncation limits and rebuilds the
// presentation. Reveals are reset; the underlying updates are untouched.
func (o *Orchestrator) SetThresholds(t catalog.Thresholds) {
	o.mu.Lock()
	o.thresholds = t
	o.cat = catalog.Build(o.raw, t)
	o.mu.Unlock()
	o.notify()
}

// Reveal lifts truncation from one catalog row. Idempotent.
func (o *Orchestrator) Reveal(source, version string) {
	o.mu.Lock()
	o.cat.Reveal(source, version)
	o.mu.Unlock()
	o.notify()
}

// ensureFreshSessionLocked replaces a terminal session with a new idle
// one: retries always require an explicit new command, and the new
// command gets a clean state machine. Callers hold o.mu.
func (o *Orchestrator) ensureFreshSessionLocked() {
	if o.sess.State().IsTerminal() {
		o.sess = o.newSession()
	}
}

func (o *Orchestrator) newSession() *session.Session {
	return session.New(o.history, o.logger, o.notify)
}

// watchSession folds the session's terminal outcome back into the
// catalog: covered updates leave, uncovered updates remain live.
func (o *Orchestrator) watchSession(sess *session.Session, covered []updates.UpdateInfo) {
	go func() {
		<-sess.Done()
		snap := sess.Snapshot()

		o.mu.Lock()
		if snap.State == session.StateSucceeded {
			if snap.RebootRequired {
				o.rebootRequired = true
			}
			if len(covered) > 0 {
				removed := make(map[updates.PackageRef]bool, len(covered))
				for _, u := range covered {
					removed[u.Package] = true
				}
				remaining := o.raw[:0]
				for _, u := range o.raw {
					if !removed[u.Package] {
						remaining = append(remaining, u)
					}
				}
				o.raw = remaining
				o.cat = catalog.Build(remaining, o.thresholds)
			}
		}
		o.mu.Unlock()

		o.metrics.InstallFinished(string(snap.State))
		o.logger.WithSessionID(snap.ID).Infof("install session finished: %s", snap.State)
		o.notify()
	}()
}

func (o *Orchestrator) snapshot() Snapshot {
	o.mu.Lock()
	rows := o.cat.Rows()
	total, security := o.cat.Count()
	snap := Snapshot{
		Rows:             rows,
		Total:            total,
		Security:         security,
		Summary:          catalog.Summary(total, security),
		LastChecked:      o.lastChecked,
		Session:          o.sess.Snapshot(),
		AutoUpdate:       o.autoUpdate,
		ApplyingSchedule: o.applyingSchedule,
		RebootRequired:   o.rebootRequired,
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if entries, err := o.history.List(ctx); err == nil {
		snap.History = entries
	}

	o.metrics.SessionState(string(snap.Session.State))
	return snap
}

func (o *Orchestrator) notify() {
	snap := o.snapshot()

	o.subMu.Lock()
	observers := make([]Observer, 0, len(o.subs))
	for _, fn := range o.subs {
		observers = append(observers, fn)
	}
	o.subMu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
