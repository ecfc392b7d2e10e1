// Package errkind defines the typed error vocabulary shared by the
// circuit breaker, broker, registry and facade packages so that
// callers classify failures by kind instead of matching on error text.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds surfaced across component boundaries.
type Kind string

const (
	Validation        Kind = "VALIDATION"
	NotFound          Kind = "NOT_FOUND"
	AlreadyExists     Kind = "ALREADY_EXISTS"
	QueueFull         Kind = "QUEUE_FULL"
	RateLimited       Kind = "RATE_LIMITED"
	NoHealthyInstance Kind = "NO_HEALTHY_INSTANCES"
	CircuitOpen       Kind = "CIRCUIT_OPEN"
	BulkheadFull      Kind = "BULKHEAD_FULL"
	Timeout           Kind = "TIMEOUT"
	Cancelled         Kind = "CANCELLED"
	Unavailable       Kind = "UNAVAILABLE"
	ResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	Internal          Kind = "INTERNAL"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, so callers can do `errkind.Is(err, errkind.Timeout)`
// instead of inspecting err.Error().
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op with the given kind, optionally
// wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Classifier decides whether an arbitrary error should count as a
// given Kind for the purpose of breaker failure accounting. Components
// that return plain errors (not *Error) can be adapted via a
// Classifier supplied in config.
type Classifier func(error) Kind
