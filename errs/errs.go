// Package errs defines the error taxonomy shared by every component of the
// history engine.
//
// Fallible operations surface one of a small, closed set of kinds so that
// callers, and ultimately the HTTP layer, can classify failures without
// matching on message strings. An Error wraps its underlying cause where one
// exists and may carry the file paths involved, which conflict reporting
// relies on.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// Internal marks unexpected failures: storage corruption, I/O errors,
	// bugs. It is the zero value, so unclassified errors map to it.
	Internal Kind = iota
	// Validation marks malformed or unacceptable input.
	Validation
	// State marks an operation invoked against the wrong lifecycle state.
	State
	// Conflict marks divergence that requires user intervention to resolve.
	Conflict
	// Network marks a remote endpoint that is unreachable or uncooperative.
	Network
	// NotFound marks a lookup of an entity that does not exist.
	NotFound
)

// String returns the wire name of the kind, used as the error code in
// API responses.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case State:
		return "state"
	case Conflict:
		return "conflict"
	case Network:
		return "network"
	case NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	// Paths lists the repository-relative files the error concerns,
	// sorted by the producer. Populated for conflicts, empty otherwise.
	Paths []string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithPaths attaches the affected paths and returns the receiver.
func (e *Error) WithPaths(paths ...string) *Error {
	e.Paths = paths
	return e
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err. Errors that do not carry a Kind (raw
// I/O failures, driver errors) classify as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// PathsOf extracts the affected paths from err, or nil if err carries none.
func PathsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Paths
	}
	return nil
}
