// Package transaction wraps the external package-transaction service.
// It exposes update discovery, detail lookup, and transactional installs
// as a push-style event stream, plus an explicit reattach path for
// resuming observation of a transaction after a process restart.
package transaction

import (
	"context"
	"errors"

	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// ErrNoActiveTransaction is returned by Reattach when the service reports
// no transaction in flight.
var ErrNoActiveTransaction = errors.New("no active transaction")

// EventKind discriminates the events a transaction emits.
type EventKind string

const (
	// EventProgress carries a progress percentage and current package.
	EventProgress EventKind = "progress"

	// EventLog carries one log line from the backend.
	EventLog EventKind = "log"

	// EventDone is the terminal event of a transaction.
	EventDone EventKind = "done"
)

// Result is the terminal outcome of a transaction.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

// Event is one item of a transaction's push stream. Terminal events have
// Kind EventDone; Err and ErrKind are populated only for failed results.
type Event struct {
	Kind EventKind `json:"kind"`

	// Percent is the overall progress, 0-100. Valid for EventProgress.
	Percent int `json:"percent,omitempty"`

	// Package is the package currently being processed, if known.
	Package string `json:"package,omitempty"`

	// Line is a backend log line. Valid for EventLog.
	Line string `json:"line,omitempty"`

	// Result is the terminal outcome. Valid for EventDone.
	Result Result `json:"result,omitempty"`

	// ErrKind classifies a failed result.
	ErrKind updates.ErrorKind `json:"err_kind,omitempty"`

	// Err is the backend's failure message, verbatim.
	Err string `json:"err,omitempty"`

	// RebootRequired flags that the applied batch needs a reboot.
	RebootRequired bool `json:"reboot_required,omitempty"`
}

// Handle observes one in-flight transaction.
type Handle interface {
	// ID identifies the transaction at the service.
	ID() string

	// Events returns the bounded event stream. It is closed after the
	// terminal event has been delivered.
	Events() <-chan Event

	// Cancel requests cancellation. The request is advisory: an
	// in-flight step may still complete, and the terminal outcome
	// arrives later on the event stream.
	Cancel(ctx context.Context) error
}

// Client wraps the package-transaction service.
type Client interface {
	// RefreshCache refreshes the service's package metadata cache.
	RefreshCache(ctx context.Context) error

	// ListUpdates returns the available updates. An empty slice is a
	// valid result distinct from failure.
	ListUpdates(ctx context.Context) ([]updates.UpdateInfo, error)

	// GetDetail lazily fetches changelog, CVE ids, and bug references
	// for one package's update.
	GetDetail(ctx context.Context, pkg updates.PackageRef) (updates.UpdateInfo, error)

	// Install starts a transaction covering the given selection and
	// returns a handle on its event stream.
	Install(ctx context.Context, sel updates.Selection) (Handle, error)

	// Reattach queries the service for an already-running transaction
	// and resumes observing it instead of starting a new one. Returns
	// ErrNoActiveTransaction when nothing is in flight.
	Reattach(ctx context.Context) (Handle, error)
}
