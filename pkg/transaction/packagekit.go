package transaction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/pkgpatrol/pkgpatrol/pkg/classify"
	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

const (
	pkBusName   = "org.freedesktop.PackageKit"
	pkBasePath  = dbus.ObjectPath("/org/freedesktop/PackageKit")
	pkIface     = "org.freedesktop.PackageKit"
	pkTxIface   = "org.freedesktop.PackageKit.Transaction"
	pkFilterNot = uint64(0)

	// eventBufferSize bounds the per-transaction event channel.
	eventBufferSize = 256
)

// PackageKit info enum values relevant to severity mapping.
const (
	pkInfoEnhancement = 4
	pkInfoBugfix      = 6
	pkInfoSecurity    = 8
)

// PackageKit exit enum values.
const (
	pkExitSuccess   = 1
	pkExitFailed    = 2
	pkExitCancelled = 3
)

// PackageKitClient implements Client over the system bus.
type PackageKitClient struct {
	conn *dbus.Conn
	log  *telemetry.Logger
}

// NewPackageKitClient connects to the system bus and returns a client.
func NewPackageKitClient(log *telemetry.Logger) (*PackageKitClient, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, updates.NewError(updates.KindTransient, "failed to connect to system bus", err)
	}
	return &PackageKitClient{
		conn: conn,
		log:  log.NewComponentLogger("packagekit"),
	}, nil
}

// Close releases the bus connection.
func (c *PackageKitClient) Close() error {
	return c.conn.Close()
}

// RefreshCache asks the service to refresh repository metadata.
func (c *PackageKitClient) RefreshCache(ctx context.Context) error {
	path, err := c.createTransaction(ctx)
	if err != nil {
		return err
	}

	obj := c.conn.Object(pkBusName, path)
	if call := obj.CallWithContext(ctx, pkTxIface+".RefreshCache", 0, false); call.Err != nil {
		return c.classifyBusError("refresh cache", call.Err)
	}
	return nil
}

// ListUpdates returns the available updates. Severity is mapped from the
// service's info enum; changelog and CVE data stay empty until GetDetail.
func (c *PackageKitClient) ListUpdates(ctx context.Context) ([]updates.UpdateInfo, error) {
	path, err := c.createTransaction(ctx)
	if err != nil {
		return nil, err
	}

	sigCh, remove, err := c.subscribe(path)
	if err != nil {
		return nil, err
	}
	defer remove()

	obj := c.conn.Object(pkBusName, path)
	if call := obj.CallWithContext(ctx, pkTxIface+".GetUpdates", 0, pkFilterNot); call.Err != nil {
		return nil, c.classifyBusError("get updates", call.Err)
	}

	out := []updates.UpdateInfo{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig, ok := <-sigCh:
			if !ok {
				return nil, updates.NewError(updates.KindServiceCrashed, "signal stream closed", nil)
			}
			switch sig.Name {
			case pkTxIface + ".Package":
				if u, ok := packageSignalToUpdate(sig.Body); ok {
					out = append(out, u)
				}
			case pkTxIface + ".ErrorCode":
				return nil, c.errorCodeToError(sig.Body)
			case pkTxIface + ".Finished":
				return out, nil
			}
		}
	}
}

// GetDetail fetches changelog text, CVE ids, and bug references for one
// package's pending update.
func (c *PackageKitClient) GetDetail(ctx context.Context, pkg updates.PackageRef) (updates.UpdateInfo, error) {
	path, err := c.createTransaction(ctx)
	if err != nil {
		return updates.UpdateInfo{}, err
	}

	sigCh, remove, err := c.subscribe(path)
	if err != nil {
		return updates.UpdateInfo{}, err
	}
	defer remove()

	pkgID := packageID(pkg)
	obj := c.conn.Object(pkBusName, path)
	if call := obj.CallWithContext(ctx, pkTxIface+".GetUpdateDetail", 0, []string{pkgID}); call.Err != nil {
		return updates.UpdateInfo{}, c.classifyBusError("get update detail", call.Err)
	}

	info := updates.UpdateInfo{Package: pkg}
	for {
		select {
		case <-ctx.Done():
			return updates.UpdateInfo{}, ctx.Err()
		case sig, ok := <-sigCh:
			if !ok {
				return updates.UpdateInfo{}, updates.NewError(updates.KindServiceCrashed, "signal stream closed", nil)
			}
			switch sig.Name {
			case pkTxIface + ".UpdateDetail":
				applyUpdateDetail(&info, sig.Body)
			case pkTxIface + ".ErrorCode":
				return updates.UpdateInfo{}, c.errorCodeToError(sig.Body)
			case pkTxIface + ".Finished":
				return info, nil
			}
		}
	}
}

// Install starts an update transaction for the selection and returns a
// handle pumping its signals into a bounded event stream.
func (c *PackageKitClient) Install(ctx context.Context, sel updates.Selection) (Handle, error) {
	if err := sel.Validate(); err != nil {
		return nil, updates.NewError(updates.KindInstall, "invalid selection", err)
	}

	avail, err := c.ListUpdates(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(avail))
	for _, u := range avail {
		if sel == updates.SelectionSecurity && !classify.IsSecurity(u) {
			continue
		}
		ids = append(ids, packageIDWithVersion(u.Package, u.CandidateVersion))
	}
	if len(ids) == 0 {
		return nil, updates.NewError(updates.KindInstall, "selection covers no updates", nil)
	}

	path, err := c.createTransaction(ctx)
	if err != nil {
		return nil, err
	}

	h, err := c.attach(path)
	if err != nil {
		return nil, err
	}

	obj := c.conn.Object(pkBusName, path)
	if call := obj.CallWithContext(ctx, pkTxIface+".UpdatePackages", 0, uint64(0), ids); call.Err != nil {
		h.close()
		return nil, c.classifyBusError("update packages", call.Err)
	}

	return h, nil
}

// Reattach looks up an already-running transaction at the service and
// resumes observing it.
func (c *PackageKitClient) Reattach(ctx context.Context) (Handle, error) {
	obj := c.conn.Object(pkBusName, pkBasePath)

	var paths []dbus.ObjectPath
	call := obj.CallWithContext(ctx, pkIface+".GetTransactionList", 0)
	if call.Err != nil {
		return nil, c.classifyBusError("get transaction list", call.Err)
	}
	if err := call.Store(&paths); err != nil {
		return nil, updates.NewError(updates.KindTransient, "failed to decode transaction list", err)
	}
	if len(paths) == 0 {
		return nil, ErrNoActiveTransaction
	}

	// The transaction may complete between lookup and attach; the pump
	// reads the terminal signal rather than assuming still-in-progress.
	return c.attach(paths[0])
}

func (c *PackageKitClient) createTransaction(ctx context.Context) (dbus.ObjectPath, error) {
	obj := c.conn.Object(pkBusName, pkBasePath)

	var path dbus.ObjectPath
	call := obj.CallWithContext(ctx, pkIface+".CreateTransaction", 0)
	if call.Err != nil {
		return "", c.classifyBusError("create transaction", call.Err)
	}
	if err := call.Store(&path); err != nil {
		return "", updates.NewError(updates.KindTransient, "failed to decode transaction path", err)
	}
	return path, nil
}

func (c *PackageKitClient) subscribe(path dbus.ObjectPath) (chan *dbus.Signal, func(), error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(pkTxIface),
	}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, updates.NewError(updates.KindTransient, "failed to subscribe to transaction signals", err)
	}

	ch := make(chan *dbus.Signal, eventBufferSize)
	c.conn.Signal(ch)

	remove := func() {
		_ = c.conn.RemoveMatchSignal(opts...)
		c.conn.RemoveSignal(ch)
	}
	return ch, remove, nil
}

// attach wires a transaction's signals into a Handle.
func (c *PackageKitClient) attach(path dbus.ObjectPath) (*pkHandle, error) {
	sigCh, remove, err := c.subscribe(path)
	if err != nil {
		return nil, err
	}

	h := &pkHandle{
		id:     string(path),
		conn:   c.conn,
		path:   path,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		remove: remove,
	}
	go h.pump(sigCh, c.log)
	return h, nil
}

func (c *PackageKitClient) classifyBusError(op string, err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case "org.freedesktop.DBus.Error.ServiceUnknown",
			"org.freedesktop.DBus.Error.NameHasNoOwner":
			return updates.NewError(updates.KindNotInstalled, "package service is not installed", err)
		case "org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.Disconnected":
			return updates.NewError(updates.KindServiceCrashed, "package service stopped replying", err)
		case "org.freedesktop.DBus.Error.TimedOut",
			"org.freedesktop.DBus.Error.LimitsExceeded":
			return updates.NewError(updates.KindTransient, "package service temporarily unavailable", err)
		}
	}
	return updates.NewError(updates.KindTransient, "failed to "+op, err)
}

func (c *PackageKitClient) errorCodeToError(body []interface{}) error {
	details := ""
	if len(body) >= 2 {
		if s, ok := body[1].(string); ok {
			details = s
		}
	}
	return updates.NewError(updates.KindInstall, details, nil)
}

// pkHandle observes one PackageKit transaction object.
type pkHandle struct {
	id     string
	conn   *dbus.Conn
	path   dbus.ObjectPath
	events chan Event
	done   chan struct{}
	remove func()
}

func (h *pkHandle) ID() string { return h.id }

func (h *pkHandle) Events() <-chan Event { return h.events }

// Cancel asks the service to cancel. Advisory only.
func (h *pkHandle) Cancel(ctx context.Context) error {
	obj := h.conn.Object(pkBusName, h.path)
	if call := obj.CallWithContext(ctx, pkTxIface+".Cancel", 0); call.Err != nil {
		return updates.NewError(updates.KindTransient, "failed to request cancellation", call.Err)
	}
	return nil
}

func (h *pkHandle) close() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	h.remove()
	close(h.events)
}

// pump converts transaction signals into Events until a terminal signal
// arrives or the bus connection drops.
func (h *pkHandle) pump(sigCh chan *dbus.Signal, log *telemetry.Logger) {
	defer h.close()

	rebootRequired := false
	for sig := range sigCh {
		if sig.Path != h.path {
			continue
		}
		switch sig.Name {
		case pkTxIface + ".ItemProgress":
			pkgID, percent := "", 0
			if len(sig.Body) >= 1 {
				if s, ok := sig.Body[0].(string); ok {
					pkgID = packageNameFromID(s)
				}
			}
			if len(sig.Body) >= 3 {
				if p, ok := sig.Body[2].(uint32); ok {
					percent = int(p)
				}
			}
			h.emit(Event{Kind: EventProgress, Percent: percent, Package: pkgID})

		case pkTxIface + ".Package":
			if len(sig.Body) >= 3 {
				if line, ok := sig.Body[2].(string); ok && line != "" {
					h.emit(Event{Kind: EventLog, Line: line})
				}
			}

		case pkTxIface + ".RequireRestart":
			rebootRequired = true

		case pkTxIface + ".ErrorCode":
			msg := ""
			if len(sig.Body) >= 2 {
				if s, ok := sig.Body[1].(string); ok {
					msg = s
				}
			}
			h.emitTerminal(Event{
				Kind:    EventDone,
				Result:  ResultFailed,
				ErrKind: updates.KindInstall,
				Err:     msg,
			})
			return

		case pkTxIface + ".Finished":
			exit := uint32(0)
			if len(sig.Body) >= 1 {
				if e, ok := sig.Body[0].(uint32); ok {
					exit = e
				}
			}
			switch exit {
			case pkExitSuccess:
				h.emitTerminal(Event{Kind: EventDone, Result: ResultSuccess, RebootRequired: rebootRequired})
			case pkExitCancelled:
				h.emitTerminal(Event{Kind: EventDone, Result: ResultCancelled})
			default:
				h.emitTerminal(Event{
					Kind:    EventDone,
					Result:  ResultFailed,
					ErrKind: updates.KindInstall,
					Err:     fmt.Sprintf("transaction finished with exit code %d", exit),
				})
			}
			return
		}
	}

	// Signal stream closed without a terminal event: the service went away.
	log.Warn("transaction signal stream closed before completion")
	h.emitTerminal(Event{
		Kind:    EventDone,
		Result:  ResultFailed,
		ErrKind: updates.KindServiceCrashed,
		Err:     "transaction signal stream closed",
	})
}

// emit delivers a non-terminal event. Log lines and events naming a
// package are always delivered: the session log is exposed in full, and
// reattached sessions reconstruct their history from observed package
// names. Bare percentage ticks may be dropped under backpressure; the
// running-maximum rule makes that invisible.
func (h *pkHandle) emit(ev Event) {
	if ev.Kind == EventLog || ev.Package != "" {
		h.events <- ev
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// emitTerminal always delivers the terminal event.
func (h *pkHandle) emitTerminal(ev Event) {
	h.events <- ev
}

// packageID renders a PackageKit package id: name;version;arch;data.
func packageID(pkg updates.PackageRef) string {
	return strings.Join([]string{pkg.Name, "", pkg.Arch, ""}, ";")
}

func packageIDWithVersion(pkg updates.PackageRef, version string) string {
	return strings.Join([]string{pkg.Name, version, pkg.Arch, ""}, ";")
}

func packageNameFromID(id string) string {
	if i := strings.IndexByte(id, ';'); i >= 0 {
		return id[:i]
	}
	return id
}

// packageSignalToUpdate decodes a Package signal body into an UpdateInfo.
func packageSignalToUpdate(body []interface{}) (updates.UpdateInfo, bool) {
	if len(body) < 2 {
		return updates.UpdateInfo{}, false
	}
	info, ok := body[0].(uint32)
	if !ok {
		return updates.UpdateInfo{}, false
	}
	id, ok := body[1].(string)
	if !ok {
		return updates.UpdateInfo{}, false
	}

	parts := strings.SplitN(id, ";", 4)
	u := updates.UpdateInfo{Severity: infoToSeverity(info)}
	u.Package.Name = parts[0]
	// PackageKit does not carry the source name in the id; default to the
	// binary name and let callers override from repository data.
	u.Package.Source = parts[0]
	if len(parts) > 1 {
		u.CandidateVersion = parts[1]
	}
	if len(parts) > 2 {
		u.Package.Arch = parts[2]
	}
	return u, true
}

func infoToSeverity(info uint32) updates.Severity {
	switch info {
	case pkInfoSecurity:
		return updates.SeveritySecurity
	case pkInfoBugfix:
		return updates.SeverityBugfix
	case pkInfoEnhancement:
		return updates.SeverityEnhancement
	default:
		return updates.SeverityNone
	}
}

// applyUpdateDetail fills changelog, CVE ids, and bug references from an
// UpdateDetail signal body.
func applyUpdateDetail(info *updates.UpdateInfo, body []interface{}) {
	// Signal layout: package_id, updates, obsoletes, vendor_urls,
	// bug_urls, cve_urls, restart, update_text, changelog, ...
	if len(body) > 5 {
		if urls, ok := body[4].([]string); ok {
			for _, u := range urls {
				if n, ok := bugIDFromURL(u); ok {
					info.BugRefs = append(info.BugRefs, n)
				}
			}
		}
		if cves, ok := body[5].([]string); ok {
			for _, u := range cves {
				if id := cveIDFromURL(u); id != "" {
					info.CVEs = append(info.CVEs, id)
				}
			}
		}
	}
	if len(body) > 8 {
		text, _ := body[7].(string)
		changelog, _ := body[8].(string)
		if changelog == "" {
			changelog = text
		}
		info.Changelog = changelog
	}
}

func bugIDFromURL(url string) (int, bool) {
	i := strings.LastIndexAny(url, "/=")
	if i < 0 || i == len(url)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(url[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func cveIDFromURL(url string) string {
	if i := strings.Index(url, "CVE-"); i >= 0 {
		return strings.TrimRight(url[i:], "/")
	}
	return ""
}
