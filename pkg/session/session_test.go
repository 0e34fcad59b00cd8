package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
	"github.com/pkgpatrol/pkgpatrol/pkg/transaction"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// fakeHandle replays a scripted event stream.
type fakeHandle struct {
	id        string
	events    chan transaction.Event
	cancelled bool
	mu        sync.Mutex
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, events: make(chan transaction.Event, 64)}
}

func (h *fakeHandle) ID() string                       { return h.id }
func (h *fakeHandle) Events() <-chan transaction.Event { return h.events }

func (h *fakeHandle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) emit(ev transaction.Event) {
	h.events <- ev
}

func (h *fakeHandle) finish(ev transaction.Event) {
	h.events <- ev
	close(h.events)
}

// fakeClient serves a scripted Reattach result.
type fakeClient struct {
	handle transaction.Handle
	err    error
}

func (c *fakeClient) RefreshCache(ctx context.Context) error { return nil }
func (c *fakeClient) ListUpdates(ctx context.Context) ([]updates.UpdateInfo, error) {
	return nil, nil
}
func (c *fakeClient) GetDetail(ctx context.Context, pkg updates.PackageRef) (updates.UpdateInfo, error) {
	return updates.UpdateInfo{}, nil
}
func (c *fakeClient) Install(ctx context.Context, sel updates.Selection) (transaction.Handle, error) {
	return c.handle, c.err
}
func (c *fakeClient) Reattach(ctx context.Context) (transaction.Handle, error) {
	return c.handle, c.err
}

// memoryHistory records appended entries.
type memoryHistory struct {
	mu      sync.Mutex
	entries []updates.HistoryEntry
}

func (h *memoryHistory) Append(ctx context.Context, entry updates.HistoryEntry) error {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
	return nil
}

func (h *memoryHistory) list() []updates.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]updates.HistoryEntry(nil), h.entries...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not reach a terminal state")
	}
}

func covered(names ...string) []updates.AppliedPackage {
	var pkgs []updates.AppliedPackage
	for _, n := range names {
		pkgs = append(pkgs, updates.AppliedPackage{
			Package: updates.PackageRef{Name: n, Source: n, Arch: "x86_64"},
			Version: "2.0-1",
		})
	}
	return pkgs
}

func TestSuccessfulInstallRecordsOneHistoryEntry(t *testing.T) {
	hist := &memoryHistory{}
	sess := New(hist, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-1")

	if err := sess.Start(handle, updates.SelectionAll, covered("openssl", "openssl-libs"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	handle.emit(transaction.Event{Kind: transaction.EventProgress, Percent: 40, Package: "openssl"})
	handle.finish(transaction.Event{Kind: transaction.EventDone, Result: transaction.ResultSuccess})
	waitDone(t, sess)

	snap := sess.Snapshot()
	if snap.State != StateSucceeded {
		t.Fatalf("expected Succeeded, got %s", snap.State)
	}
	if snap.Progress != 100 {
		t.Errorf("expected progress forced to 100, got %d", snap.Progress)
	}

	entries := hist.list()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one history entry, got %d", len(entries))
	}
	if len(entries[0].Packages) != 2 || !entries[0].Success {
		t.Errorf("unexpected history entry: %+v", entries[0])
	}
}

func TestFailedInstallRecordsNoHistory(t *testing.T) {
	hist := &memoryHistory{}
	sess := New(hist, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-2")

	if err := sess.Start(handle, updates.SelectionAll, covered("bash"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	handle.finish(transaction.Event{
		Kind:    transaction.EventDone,
		Result:  transaction.ResultFailed,
		ErrKind: updates.KindInstall,
		Err:     "dependency resolution failed",
	})
	waitDone(t, sess)

	snap := sess.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected Failed, got %s", snap.State)
	}
	if snap.Error != "dependency resolution failed" {
		t.Errorf("expected backend message verbatim, got %q", snap.Error)
	}
	if len(hist.list()) != 0 {
		t.Errorf("expected no history entry for a failed install")
	}
}

func TestServiceCrashNormalizedToSentinel(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-3")

	if err := sess.Start(handle, updates.SelectionAll, covered("kernel"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	handle.finish(transaction.Event{
		Kind:    transaction.EventDone,
		Result:  transaction.ResultFailed,
		ErrKind: updates.KindServiceCrashed,
		Err:     "read unix @->/run/dbus/system_bus_socket: EOF",
	})
	waitDone(t, sess)

	snap := sess.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected Failed, got %s", snap.State)
	}
	if snap.Error != updates.CrashSentinel {
		t.Errorf("expected crash sentinel, got %q", snap.Error)
	}
}

func TestStreamClosedWithoutTerminalEventIsACrash(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-4")

	if err := sess.Start(handle, updates.SelectionAll, covered("vim"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	close(handle.events)
	waitDone(t, sess)

	snap := sess.Snapshot()
	if snap.State != StateFailed || snap.Error != updates.CrashSentinel {
		t.Errorf("expected crash sentinel failure, got %s / %q", snap.State, snap.Error)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-5")

	if err := sess.Start(handle, updates.SelectionAll, covered("curl"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	handle.emit(transaction.Event{Kind: transaction.EventProgress, Percent: 60})
	// Backend percentage regresses between phases; the shown value must not.
	handle.emit(transaction.Event{Kind: transaction.EventProgress, Percent: 20, Package: "curl"})
	handle.finish(transaction.Event{Kind: transaction.EventDone, Result: transaction.ResultCancelled})
	waitDone(t, sess)

	snap := sess.Snapshot()
	if snap.State != StateCancelled {
		t.Fatalf("expected Cancelled, got %s", snap.State)
	}
	if snap.Progress != 60 {
		t.Errorf("expected progress to stay at its maximum 60, got %d", snap.Progress)
	}
}

func TestCancelTransitionsImmediately(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-6")

	if err := sess.Start(handle, updates.SelectionAll, covered("gzip"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	if err := sess.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got := sess.State(); got != StateCancelling {
		t.Fatalf("expected Cancelling before the terminal event, got %s", got)
	}

	handle.mu.Lock()
	requested := handle.cancelled
	handle.mu.Unlock()
	if !requested {
		t.Errorf("expected the cancel request to reach the handle")
	}

	handle.finish(transaction.Event{Kind: transaction.EventDone, Result: transaction.ResultCancelled})
	waitDone(t, sess)
	if got := sess.State(); got != StateCancelled {
		t.Errorf("expected Cancelled, got %s", got)
	}
}

func TestCancelRequiresRunningInstall(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	if err := sess.Cancel(context.Background()); err == nil {
		t.Errorf("expected cancel on an idle session to fail")
	}
}

func TestSecondStartRejectedAsBusy(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-7")

	if err := sess.Start(handle, updates.SelectionAll, covered("jq"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	err := sess.Start(newFakeHandle("tx-8"), updates.SelectionAll, covered("yq"), false)
	if err == nil || !updates.IsBusy(err) {
		t.Errorf("expected busy error on second start, got %v", err)
	}

	handle.finish(transaction.Event{Kind: transaction.EventDone, Result: transaction.ResultSuccess})
	waitDone(t, sess)
}

func TestResumeWithoutTransactionResolvesAmbiguous(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	client := &fakeClient{err: transaction.ErrNoActiveTransaction}

	if err := sess.Resume(context.Background(), client); err != nil {
		t.Fatalf("resume returned error: %v", err)
	}
	waitDone(t, sess)

	snap := sess.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("expected Failed, got %s", snap.State)
	}
	if !snap.Ambiguous || snap.ErrorKind != updates.KindReconnectAmbiguous {
		t.Errorf("expected the reconnection-ambiguous marker, got %+v", snap)
	}
}

func TestResumeObservesRunningTransaction(t *testing.T) {
	hist := &memoryHistory{}
	sess := New(hist, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-9")
	client := &fakeClient{handle: handle}

	if err := sess.Resume(context.Background(), client); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := sess.State(); got != StateInstalling {
		t.Fatalf("expected Installing after reattach, got %s", got)
	}

	handle.emit(transaction.Event{Kind: transaction.EventProgress, Percent: 80, Package: "glibc"})
	handle.emit(transaction.Event{Kind: transaction.EventProgress, Percent: 90, Package: "zlib"})
	handle.finish(transaction.Event{Kind: transaction.EventDone, Result: transaction.ResultSuccess})
	waitDone(t, sess)

	// The covered set did not survive the restart; the entry falls back
	// to the packages observed on the stream.
	entries := hist.list()
	if len(entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(entries))
	}
	if len(entries[0].Packages) != 2 ||
		entries[0].Packages[0].Package.Name != "glibc" ||
		entries[0].Packages[1].Package.Name != "zlib" {
		t.Errorf("expected observed packages in order, got %+v", entries[0].Packages)
	}
}

func TestRebootRequiredPropagates(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-10")

	if err := sess.Start(handle, updates.SelectionAll, covered("kernel"), false); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	handle.finish(transaction.Event{
		Kind:           transaction.EventDone,
		Result:         transaction.ResultSuccess,
		RebootRequired: true,
	})
	waitDone(t, sess)

	if snap := sess.Snapshot(); !snap.RebootRequired {
		t.Errorf("expected reboot-required to propagate to the snapshot")
	}
}

func TestSelfUpdateAdvisoryLogged(t *testing.T) {
	sess := New(&memoryHistory{}, telemetry.NewNopLogger(), nil)
	handle := newFakeHandle("tx-11")

	if err := sess.Start(handle, updates.SelectionAll, covered("pkgpatrol"), true); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	snap := sess.Snapshot()
	if len(snap.Log) == 0 {
		t.Fatalf("expected a self-update advisory in the session log")
	}

	handle.finish(transaction.Event{Kind: transaction.EventDone, Result: transaction.ResultSuccess})
	waitDone(t, sess)
}
