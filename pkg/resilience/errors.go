// Package resilience holds the fault-tolerance toolkit used around node
// calls: error classification, retry with backoff, circuit breakers, error
// aggregation for batches and fallback helpers.
package resilience

import (
	"errors"
	"fmt"
)

// ErrorType identifies a class of failure.
type ErrorType string

const (
	TypeNetwork            ErrorType = "network_error"
	TypeTimeout            ErrorType = "timeout"
	TypeAuthentication     ErrorType = "authentication_error"
	TypeRateLimit          ErrorType = "rate_limit"
	TypeServiceUnavailable ErrorType = "service_unavailable"
	TypeClient             ErrorType = "client_error"
	TypeResourceExhaustion ErrorType = "resource_exhaustion"
	TypeCircuitBreakerOpen ErrorType = "circuit_breaker_open"
	TypeBatch              ErrorType = "batch_error"
	TypeUnknown            ErrorType = "unknown_error"
)

// Category groups error types by how callers should react to them.
type Category string

const (
	CategoryTransient     Category = "transient"
	CategoryTimeout       Category = "timeout"
	CategoryConfiguration Category = "configuration"
	CategoryResource      Category = "resource"
	CategoryPermanent     Category = "permanent"
)

// ErrCircuitOpen is wrapped by the error returned while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Error is a classified failure.
type Error struct {
	Type      ErrorType      `json:"type"`
	Category  Category       `json:"category"`
	Retryable bool           `json:"retryable"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err, once classified, may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return ClassifyError(err).Retryable
}

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func newCircuitOpenError(name string) *Error {
	return &Error{
		Type:      TypeCircuitBreakerOpen,
		Category:  CategoryTransient,
		Retryable: false,
		Message:   fmt.Sprintf("circuit breaker %q is open", name),
		Context:   map[string]any{"breaker": name},
		Cause:     ErrCircuitOpen,
	}
}
