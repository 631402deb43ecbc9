// Package ferr defines the fabric's error kinds (spec §7) as a small
// sentinel-carrying error type instead of one exception hierarchy per
// failure. Components wrap underlying causes with Wrap and callers branch
// on Kind.
package ferr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the ten error contracts from §7.
type Kind string

const (
	KeyMaterialUnavailable   Kind = "KeyMaterialUnavailable"
	SecurityInitFailed       Kind = "SecurityInitializationFailed"
	SchemaError              Kind = "SchemaError"
	UnauthorizedPeer         Kind = "UnauthorizedPeer"
	Backpressure             Kind = "Backpressure"
	SlowSubscriber           Kind = "SlowSubscriber"
	Timeout                  Kind = "Timeout"
	TaskPermanentError       Kind = "TaskPermanentError"
	TaskTransientError       Kind = "TaskTransientError"
	StoreWriteFailed         Kind = "StoreWriteFailed"
)

// Error carries a Kind plus the operation and cause that produced it.
type Error struct {
	Kind   Kind
	Op     string
	Reason string // short machine-stable reason code, e.g. "too_large"
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += fmt.Sprintf(" (reason=%s)", e.Reason)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// WithReason attaches a short reason code (used by SchemaError's
// reason=too_large case in §8).
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// Wrap builds an *Error of the given kind wrapping cause. Returns nil if
// cause is nil, so it is safe to use as `return ferr.Wrap(Kind, op, err)`.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, if any, and whether it was present.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
