package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies engine errors for the surrounding transport layer.
type ErrorKind int

const (
	Internal ErrorKind = iota // unexpected — maps to 500
	NotFound                  // unknown target/incident — 404
	Invalid                   // malformed input, interval below floor — 400
	Unauthorized              // cross-owner access — 401
	Conflict                  // duplicate submission within cooldown — 409
	Unavailable               // store/transport outage, retryable — 503
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	case Unauthorized:
		return "unauthorized"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the kinded error carried across engine boundaries.
// Probe failures are never Errors — they are Checks with success=false.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "gateway.SubmitProbe"
	Err  error

	// RetryAfter is populated for Conflict errors on the cooldown path so
	// callers can tell the prober how long to wait.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a kinded error from a format string.
func Ef(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// EConflict builds a cooldown Conflict error carrying the remaining wait.
func EConflict(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       Conflict,
		Op:         op,
		Err:        fmt.Errorf("cooldown active, retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// IsKind reports whether err (or anything it wraps) is an Error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the kind of err, defaulting to Internal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// RetryAfterOf extracts the cooldown hint from a Conflict error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
