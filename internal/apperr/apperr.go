// Package apperr defines the typed failure kinds every component reports,
// so callers can tell terminal failures from retryable ones without
// parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindInternal        Kind = "internal"
	KindNotFound        Kind = "not_found"
	KindVersionConflict Kind = "version_conflict"
	KindValidation      Kind = "validation"
	KindTransient       Kind = "transient_store"
	KindPolicy          Kind = "policy_violation"
)

// Retryable reports whether a caller may retry the operation unchanged.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is a failure with a kind, the operation that produced it and an
// optional underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound reports a missing entity, conflict, session, batch or task.
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

// Validation reports malformed input.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// Policy reports an action disallowed by the sync configuration.
func Policy(op, format string, args ...any) *Error {
	return New(KindPolicy, op, fmt.Sprintf(format, args...))
}

// Conflict reports an optimistic-concurrency mismatch.
func Conflict(op, format string, args ...any) *Error {
	return New(KindVersionConflict, op, fmt.Sprintf(format, args...))
}

// Transient wraps a failed store call.
func Transient(op string, err error) *Error {
	return Wrap(KindTransient, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns a message safe to show callers. Transient and
// internal failures hide their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindTransient:
		return "storage temporarily unavailable"
	case KindInternal:
		return "internal error"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error()
}
