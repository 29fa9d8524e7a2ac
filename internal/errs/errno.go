// Package errs provides the structured error-kind system used across the
// checkpoint store, process registry, and hook engine.
//
// Every error the core returns to a caller is classified into one of the
// kinds enumerated by the specification's error-handling design: a bad
// checkpoint id is a validation error, a hash mismatch is storage
// corruption, a vanished subprocess is an os error, and so on. Background
// loops use Kind to decide whether to retry, log-and-continue, or
// propagate.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the system should react to it.
type Kind int

const (
	// KindValidation is bad caller input: unknown checkpoint id, malformed
	// hook configuration. Surfaced directly, never retried.
	KindValidation Kind = iota
	// KindStorage covers CAS hash mismatches, SQL constraint violations,
	// and missing blob files.
	KindStorage
	// KindOS covers subprocess spawn failure, permission denied, and
	// processes that have vanished out from under the tracker.
	KindOS
	// KindSecurity covers sandbox refusals: dangerous patterns,
	// disallowed commands, disallowed environment variables.
	KindSecurity
	// KindTimeout covers per-attempt deadline expiry.
	KindTimeout
	// KindRateLimited covers hooks skipped for exceeding rate_limit or
	// cooldown.
	KindRateLimited
	// KindCorruption covers CAS integrity-check failures requiring
	// operator attention.
	KindCorruption
)

// String renders the kind the way it would appear in a log line.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindOS:
		return "os"
	case KindSecurity:
		return "security"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying a kind, a stable code, a message,
// and an optional cause. It implements error and supports errors.Is/As via
// Unwrap.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of e with the given cause attached.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, cause: cause}
}

// WithMessage returns a copy of e with a replacement message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, cause: e.cause}
}

// WithMessagef is WithMessage with fmt.Sprintf formatting.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// New constructs a fresh *Error of the given kind. Code is a short stable
// identifier such as "cas.not_found" or "hook.rate_limited", used for
// programmatic matching independent of the human-readable message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
