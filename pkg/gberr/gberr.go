// Package gberr defines the error taxonomy of the fleet protocol core.
// Every failure the ingestion pipeline can surface carries one of the
// kinds below, so callers can branch on errors.As without string
// matching and log lines stay greppable by kind.
package gberr

import (
	"errors"
	"fmt"
)

// Kind is the protocol-level classification of a failure.
type Kind string

const (
	// PayloadJSONInvalid — UTF-8 decode or JSON parse failed.
	PayloadJSONInvalid Kind = "PAYLOAD_JSON_INVALID"
	// PayloadSchemaInvalid — a validator check failed (type, range,
	// regex, closed-set membership).
	PayloadSchemaInvalid Kind = "PAYLOAD_SCHEMA_INVALID"
	// PropertyConflict — (path, index) uniqueness violated during
	// registration.
	PropertyConflict Kind = "PROPERTY_CONFLICT"
	// PropertyInvalid — set-publish on a property that was never
	// registered.
	PropertyInvalid Kind = "PROPERTY_INVALID"
	// PropertyAccess — set-publish on a property not marked settable.
	PropertyAccess Kind = "PROPERTY_ACCESS"
	// PropertyFormat — pack/unpack type mismatch, bounds violation, or
	// length overflow.
	PropertyFormat Kind = "PROPERTY_FORMAT"
	// IncorrectValueCount — composite value with the wrong arity.
	IncorrectValueCount Kind = "INCORRECT_VALUE_COUNT"
	// CacheError — the cache implementation itself failed.
	CacheError Kind = "CACHE_ERROR"
	// LockFailed — the multi-lock helper could not acquire a lock.
	LockFailed Kind = "LOCK_FAILED"
	// UnknownApiVersion — identity announced a version this build does
	// not support.
	UnknownApiVersion Kind = "UNKNOWN_API_VERSION"
	// UnknownLogLevel — device log severity outside the closed set.
	UnknownLogLevel Kind = "UNKNOWN_LOG_LEVEL"
	// InvalidLogText — device log text is not a string.
	InvalidLogText Kind = "INVALID_LOG_TEXT"
)

// Error is a kinded protocol error. Msg describes the specific failure;
// Err carries the wrapped cause when one exists.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a kinded error with a static message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
