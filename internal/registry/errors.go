package registry

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure. The transport maps kinds onto JSON-RPC
// codes; the circuit breaker uses them to decide what counts as a failure.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindNotFound
	KindPreconditionFailed
	KindRateLimited
	KindCircuitOpen
	KindHalfOpenLimit
	KindTimeout
	KindConflict
	KindInternal
	KindMethodNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindHalfOpenLimit:
		return "half_open_limit"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	case KindMethodNotFound:
		return "method_not_found"
	default:
		return "internal"
	}
}

// Error is a typed dispatch failure with structured data for the transport.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithData attaches structured data and returns the error.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// KindOf extracts the kind from any error; unclassified errors are internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CountsAgainstCircuit reports whether a failure of this kind feeds the
// circuit breaker. Client mistakes and missing resources never do.
func (k Kind) CountsAgainstCircuit() bool {
	switch k {
	case KindInvalidInput, KindNotFound, KindRateLimited,
		KindCircuitOpen, KindHalfOpenLimit, KindMethodNotFound:
		return false
	}
	return true
}

// FailureClass maps a kind onto the circuit's per-type failure counters.
func (k Kind) FailureClass() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited, KindCircuitOpen, KindHalfOpenLimit:
		return "rejection"
	default:
		return "error"
	}
}
