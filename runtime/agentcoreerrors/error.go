// Package agentcoreerrors provides a structured error type for classifying
// failures across the agent core's error taxonomy (see spec §7): transient
// persistence faults, agent runtime faults, watcher disconnects, malformed
// resume cursors, idempotent registry conflicts, and fatal process-level
// failures, plus the interrupted pause a human-in-the-loop tool raises
// mid-run. Error preserves causal chains and supports errors.Is/As while
// staying serialization-friendly for terminal error events.
package agentcoreerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the taxonomy categories from spec §7.
type Kind string

const (
	// KindTransient marks a persistence fault recovered locally by the
	// Writer (retry + fallback). Never surfaced to clients.
	KindTransient Kind = "transient"
	// KindAgentFault marks an error raised by the agent routine itself,
	// converted into a terminal error event.
	KindAgentFault Kind = "agent_fault"
	// KindDisconnect marks a normal watcher-side disconnect. Not logged as
	// an error.
	KindDisconnect Kind = "disconnect"
	// KindMalformedCursor marks an unparsable resume cursor; the caller
	// falls back to replaying from the beginning.
	KindMalformedCursor Kind = "malformed_cursor"
	// KindIdempotent marks a registry operation that resolved to an
	// existing resource instead of failing (e.g. starting an already
	// running task).
	KindIdempotent Kind = "idempotent"
	// KindInterrupted marks an agent routine that paused for human input
	// rather than completing or failing; the terminal event it produces
	// carries status "interrupted" instead of "completed" or an error.
	KindInterrupted Kind = "interrupted"
	// KindFatal marks a process-level failure with no user-visible
	// guarantee beyond what is already persisted.
	KindFatal Kind = "fatal"
)

// Error represents a structured agent-core failure. Errors may chain via
// Cause to retain diagnostics across retries while still implementing the
// standard error interface.
type Error struct {
	// Kind classifies the failure per spec §7.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling error chains with
	// errors.Is/As.
	Cause *Error
}

// New constructs an Error of the given kind with the provided message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap converts an arbitrary error into an Error chain of the given kind.
// Returns nil if err is nil.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Message: err.Error(), Cause: Wrap(kind, errors.Unwrap(err))}
}

// Errorf formats a message and returns it as an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target has the same Kind, allowing errors.Is(err,
// agentcoreerrors.New(KindFatal, "")) style kind checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
