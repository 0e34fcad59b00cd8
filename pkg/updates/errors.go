package updates

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure raised by the engine or one of its
// external collaborators.
type ErrorKind string

const (
	// KindNotInstalled indicates the package-transaction service is absent.
	KindNotInstalled ErrorKind = "not_installed"

	// KindTransient indicates the service is temporarily unavailable.
	KindTransient ErrorKind = "transient_unavailable"

	// KindServiceCrashed indicates the service crashed or stopped replying.
	KindServiceCrashed ErrorKind = "service_crashed"

	// KindInstall indicates the transaction itself reported a failure.
	KindInstall ErrorKind = "install_error"

	// KindUnsupported indicates the scheduling backend lacks the feature.
	KindUnsupported ErrorKind = "unsupported"

	// KindApplyFailed indicates a schedule write could not be applied.
	KindApplyFailed ErrorKind = "apply_failed"

	// KindReconnectAmbiguous indicates a reattach after restart found no
	// transaction, so the prior install outcome is unknowable.
	KindReconnectAmbiguous ErrorKind = "reconnect_ambiguous"

	// KindBusy indicates an install was requested while one is active.
	KindBusy ErrorKind = "busy"
)

// CrashSentinel is the fixed message a session reports when the
// transaction service crashes, distinct from raw transport errors.
const CrashSentinel = "software update service crashed unexpectedly"

// Error is a classified engine error with optional backend context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsServiceCrashed reports whether err is classified as a service crash.
func IsServiceCrashed(err error) bool {
	return KindOf(err) == KindServiceCrashed
}

// IsBusy reports whether err is the busy rejection of a second install.
func IsBusy(err error) bool {
	return KindOf(err) == KindBusy
}

// IsUnsupported reports whether err means the backend lacks the feature.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}
