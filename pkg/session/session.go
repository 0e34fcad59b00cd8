// Package session implements the install session state machine. A session
// consumes the push-style event stream of one package transaction on a
// single goroutine, aggregates progress as a running maximum, keeps an
// append-only log, and records exactly one history entry on success.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkgpatrol/pkgpatrol/pkg/telemetry"
	"github.com/pkgpatrol/pkgpatrol/pkg/transaction"
	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// State is the observable state of an install session.
type State string

const (
	// StateIdle indicates no check or install is in flight.
	StateIdle State = "idle"

	// StateChecking indicates an update check is in flight.
	StateChecking State = "checking"

	// StateInstalling indicates a transaction is applying updates.
	StateInstalling State = "installing"

	// StateCancelling indicates cancellation was requested; the terminal
	// outcome has not arrived yet.
	StateCancelling State = "cancelling"

	// StateSucceeded indicates the transaction completed successfully.
	StateSucceeded State = "succeeded"

	// StateFailed indicates the transaction failed.
	StateFailed State = "failed"

	// StateCancelled indicates the transaction was cancelled.
	StateCancelled State = "cancelled"
)

// IsTerminal returns true if the state is a final install outcome.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsActive returns true while a check or install is in flight.
func (s State) IsActive() bool {
	return s == StateChecking || s == StateInstalling || s == StateCancelling
}

// Validate checks if the state is a known value.
func (s State) Validate() error {
	switch s {
	case StateIdle, StateChecking, StateInstalling, StateCancelling,
		StateSucceeded, StateFailed, StateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// HistoryAppender is the slice of the history store a session needs.
type HistoryAppender interface {
	Append(ctx context.Context, entry updates.HistoryEntry) error
}

// Snapshot is a point-in-time copy of session state for observers.
type Snapshot struct {
	ID             string            `json:"id"`
	State          State             `json:"state"`
	Progress       int               `json:"progress"`
	CurrentPackage string            `json:"current_package,omitempty"`
	Log            []string          `json:"log,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorKind      updates.ErrorKind `json:"error_kind,omitempty"`
	Ambiguous      bool              `json:"ambiguous,omitempty"`
	RebootRequired bool              `json:"reboot_required,omitempty"`
	Selection      updates.Selection `json:"selection,omitempty"`
}

// Session coordinates one transaction handle and produces history entries.
type Session struct {
	mu sync.Mutex

	id             string
	state          State
	progress       int
	currentPackage string
	log            []string
	errMsg         string
	errKind        updates.ErrorKind
	ambiguous      bool
	rebootRequired bool
	selection      updates.Selection

	// covered is the exact update set this install applies, fixed at
	// start. For reattached sessions it is reconstructed from observed
	// progress events instead.
	covered     []updates.AppliedPackage
	observed    []string
	observedSet map[string]struct{}

	handle  transaction.Handle
	history HistoryAppender
	logger  *telemetry.Logger

	// onChange is invoked after every observable mutation, outside the
	// session lock.
	onChange func()

	// done is closed when the session reaches a terminal state.
	done chan struct{}
}

// New creates an idle session.
func New(history HistoryAppender, logger *telemetry.Logger, onChange func()) *Session {
	if onChange == nil {
		onChange = func() {}
	}
	return &Session{
		id:       uuid.New().String(),
		state:    StateIdle,
		history:  history,
		logger:   logger.NewComponentLogger("session"),
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the observable session state. The log is
// exposed in full.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.id,
		State:          s.state,
		Progress:       s.progress,
		CurrentPackage: s.currentPackage,
		Log:            append([]string(nil), s.log...),
		Error:          s.errMsg,
		ErrorKind:      s.errKind,
		Ambiguous:      s.ambiguous,
		RebootRequired: s.rebootRequired,
		Selection:      s.selection,
	}
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// BeginCheck moves Idle to Checking. A session that already finished an
// install cannot check again; the orchestrator creates a fresh session.
func (s *Session) BeginCheck() error {
	s.mu.Lock()
	if s.state != StateIdle {
		kind := updates.KindBusy
		state := s.state
		s.mu.Unlock()
		return updates.NewError(kind, fmt.Sprintf("session is %s", state), nil)
	}
	s.state = StateChecking
	s.mu.Unlock()
	s.onChange()
	return nil
}

// EndCheck moves Checking back to Idle.
func (s *Session) EndCheck() {
	s.mu.Lock()
	if s.state == StateChecking {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.onChange()
}

// Start transitions to Installing and begins consuming the handle's
// event stream. covered is the exact set of updates this install
// applies; selfUpdate flags that the batch replaces the engine's own
// hosting service, which only produces a pre-install advisory.
func (s *Session) Start(handle transaction.Handle, sel updates.Selection, covered []updates.AppliedPackage, selfUpdate bool) error {
	s.mu.Lock()
	if s.state.IsActive() || s.state.IsTerminal() {
		state := s.state
		s.mu.Unlock()
		return updates.NewError(updates.KindBusy, fmt.Sprintf("an install session is already %s", state), nil)
	}
	s.state = StateInstalling
	s.selection = sel
	s.covered = covered
	s.observedSet = make(map[string]struct{})
	s.handle = handle
	if selfUpdate {
		// The install will sever the channel delivering progress.
		s.log = append(s.log, "advisory: this update replaces the update service itself; progress reporting may stop before completion")
	}
	s.mu.Unlock()

	if selfUpdate {
		s.logger.WithSessionID(s.id).Warn("pending batch updates the hosting service; progress channel may drop")
	}
	s.onChange()

	go s.consume()
	return nil
}

// Resume reattaches to an already-running transaction after a process
// restart. When the service reports none, the session resolves to Failed
// with the reconnection-ambiguous marker rather than resetting to Idle.
func (s *Session) Resume(ctx context.Context, client transaction.Client) error {
	handle, err := client.Reattach(ctx)
	if errors.Is(err, transaction.ErrNoActiveTransaction) {
		s.mu.Lock()
		s.state = StateFailed
		s.ambiguous = true
		s.errKind = updates.KindReconnectAmbiguous
		s.errMsg = "lost connection to a prior install; its outcome is unknown"
		s.log = append(s.log, s.errMsg)
		s.mu.Unlock()
		s.finish()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reattach failed: %w", err)
	}

	s.mu.Lock()
	s.state = StateInstalling
	s.selection = updates.SelectionAll
	s.observedSet = make(map[string]struct{})
	s.handle = handle
	s.log = append(s.log, "reattached to running transaction "+handle.ID())
	s.mu.Unlock()
	s.onChange()

	// If the transaction finished between restart and reattach, the
	// terminal event is still read from the stream; nothing here assumes
	// "still in progress".
	go s.consume()
	return nil
}

// Cancel requests cancellation. The Cancelling transition is immediately
// observable; the terminal outcome arrives later via the event stream.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInstalling {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("no cancellable install: session is %s", state)
	}
	s.state = StateCancelling
	handle := s.handle
	s.mu.Unlock()
	s.onChange()

	if err := handle.Cancel(ctx); err != nil {
		s.logger.WithSessionID(s.id).WithError(err).Warn("cancellation request failed")
		return err
	}
	return nil
}

// consume drains the event stream until the terminal event. It is the
// only goroutine mutating progress and log during an install.
func (s *Session) consume() {
	events := s.handle.Events()
	for ev := range events {
		switch ev.Kind {
		case transaction.EventProgress:
			s.applyProgress(ev)
		case transaction.EventLog:
			s.appendLog(ev.Line)
		case transaction.EventDone:
			s.applyTerminal(ev)
			return
		}
	}

	// Stream closed without a terminal event: treat as a crash.
	s.applyTerminal(transaction.Event{
		Kind:    transaction.EventDone,
		Result:  transaction.ResultFailed,
		ErrKind: updates.KindServiceCrashed,
	})
}

func (s *Session) applyProgress(ev transaction.Event) {
	s.mu.Lock()
	// Running maximum: backend percentages can regress between phases.
	if ev.Percent > s.progress {
		s.progress = ev.Percent
	}
	if ev.Package != "" {
		s.currentPackage = ev.Package
		if _, ok := s.observedSet[ev.Package]; !ok {
			s.observedSet[ev.Package] = struct{}{}
			s.observed = append(s.observed, ev.Package)
		}
	}
	s.mu.Unlock()
	s.onChange()
}

func (s *Session) appendLog(line string) {
	if line == "" {
		return
	}
	s.mu.Lock()
	s.log = append(s.log, line)
	s.mu.Unlock()
	s.onChange()
}

func (s *Session) applyTerminal(ev transaction.Event) {
	s.mu.Lock()
	switch ev.Result {
	case transaction.ResultSuccess:
		s.state = StateSucceeded
		s.progress = 100
		s.rebootRequired = ev.RebootRequired
	case transaction.ResultCancelled:
		s.state = StateCancelled
	default:
		s.state = StateFailed
		s.errKind = ev.ErrKind
		if ev.ErrKind == updates.KindServiceCrashed {
			// Normalized sentinel, never the raw transport error.
			s.errMsg = updates.CrashSentinel
		} else {
			s.errMsg = ev.Err
		}
		if s.errMsg != "" {
			s.log = append(s.log, s.errMsg)
		}
	}
	entry, record := s.historyEntryLocked()
	s.mu.Unlock()

	if record {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.history.Append(ctx, entry); err != nil {
			s.logger.WithSessionID(s.id).WithError(err).Error("failed to record history entry")
		}
	}

	s.finish()
}

// historyEntryLocked builds the single history entry for a successful
// install. Callers hold s.mu.
func (s *Session) historyEntryLocked() (updates.HistoryEntry, bool) {
	if s.state != StateSucceeded || s.history == nil {
		return updates.HistoryEntry{}, false
	}

	pkgs := s.covered
	if len(pkgs) == 0 {
		// Reattached session: the covered set did not survive the
		// restart, so fall back to the packages observed on the stream.
		for _, name := range s.observed {
			pkgs = append(pkgs, updates.AppliedPackage{
				Package: updates.PackageRef{Name: name, Source: name},
			})
		}
	}

	return updates.HistoryEntry{
		BatchID:   s.id,
		AppliedAt: time.Now().UTC(),
		Packages:  pkgs,
		Success:   true,
	}, true
}

func (s *Session) finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.onChange()
}
