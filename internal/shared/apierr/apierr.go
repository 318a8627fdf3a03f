// Package apierr classifies gateway failures so that transports can map
// them to user-facing responses without inspecting provider internals.
package apierr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed or unknown input the caller can correct.
	ErrValidation = errors.New("validation error")

	// ErrQuotaExceeded is returned when admitting a request would exceed the user's token quota.
	ErrQuotaExceeded = errors.New("usage limit exceeded")

	// ErrCircuitOpen is returned when a provider is known to be unhealthy.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrProvider is returned for upstream failures after the circuit let the call through.
	ErrProvider = errors.New("provider error")

	// ErrTimeout is returned when a protected call exceeds its deadline. It also matches ErrProvider.
	ErrTimeout = errors.New("request timeout")

	// ErrConfiguration is returned when static configuration (model tables, API keys) is missing.
	ErrConfiguration = errors.New("configuration error")
)

// Error carries a kind sentinel, a message and an optional cause.
type Error struct {
	kind error
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	if target == e.kind {
		return true
	}
	return e.kind == ErrTimeout && target == ErrProvider
}

func newf(kind error, err error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func Validation(format string, args ...any) error {
	return newf(ErrValidation, nil, format, args...)
}

func QuotaExceeded(format string, args ...any) error {
	return newf(ErrQuotaExceeded, nil, format, args...)
}

func CircuitOpen(name string) error {
	return newf(ErrCircuitOpen, nil, "circuit breaker %q is open", name)
}

// Provider wraps an upstream failure.
func Provider(err error, format string, args ...any) error {
	return newf(ErrProvider, err, format, args...)
}

func Timeout(format string, args ...any) error {
	return newf(ErrTimeout, nil, format, args...)
}

func Configuration(format string, args ...any) error {
	return newf(ErrConfiguration, nil, format, args...)
}

// Code returns a short stable identifier for the error's kind, used in logs and events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "internal"
	}
}
