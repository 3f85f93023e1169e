// Package bridgeerr defines the error taxonomy returned across every
// component boundary, so a caller at the façade layer can map a failure to a
// stable category without string-matching messages.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Values are stable identifiers, not meant to be
// exhaustive of every Go error type that can occur, only of the categories a
// caller needs to branch on.
type Kind string

const (
	// KindServerNotRunning means the routed server could not be started
	// (spawn or initialize failed) or exited before reaching Ready. A file
	// that no server descriptor routes is reported as KindInvalidParams.
	KindServerNotRunning Kind = "server_not_running"
	// KindServerFailed means the routed server's supervisor recorded a
	// Failed state, which is terminal until ClearFailed is called.
	KindServerFailed Kind = "server_failed"
	// KindTimeout means a request exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindInvalidParams means the caller supplied a malformed or
	// out-of-range argument (bad URI, out-of-range position, etc).
	KindInvalidParams Kind = "invalid_params"
	// KindConflict means a precondition the caller is responsible for
	// keeping true no longer holds (stale version, file changed on disk
	// since it was read, edit ranges overlap).
	KindConflict Kind = "conflict"
	// KindIO means a filesystem operation failed (permission, missing
	// file, cross-device rename, disk full).
	KindIO Kind = "io"
	// KindProtocol means the server sent a response or notification that
	// violates the wire contract (bad JSON, mismatched id, missing field).
	KindProtocol Kind = "protocol"
	// KindInternal is a catch-all for bugs in this process, never an
	// expected outcome of valid input.
	KindInternal Kind = "internal"
)

// Error is the concrete error type returned by every exported operation in
// this module. Component is the package that raised it (e.g. "applier",
// "rpc"), used only for diagnostics; callers should branch on Kind.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error. wrapped may be nil.
func New(kind Kind, component, message string, wrapped error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: wrapped}
}

// Is reports whether err is a bridgeerr.Error of the given kind, unwrapping
// through the chain.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// bridgeerr.Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
