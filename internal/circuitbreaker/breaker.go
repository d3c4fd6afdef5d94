// Package circuitbreaker protects backend services from the gateway and
// the gateway from failing backends. Breakers are keyed by logical service
// name, so every route that targets a service shares that service's health.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/dskow/bank-gateway/internal/discovery"
)

// ErrOpen is returned when a service's breaker rejects a request without
// contacting the backend: the circuit is open or its bulkhead is full.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateHalfOpen              // Probing; a limited number of requests test recovery.
	StateOpen                  // Failing; requests are rejected immediately.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in admin JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Breaker is one layer of a service's protection stack.
type Breaker interface {
	// Allow reports whether a request may proceed.
	Allow() bool

	// Record reports the outcome of a request admitted by Allow.
	Record(failed bool, latency time.Duration)

	// State returns the current circuit state.
	State() State

	// Reset forces the breaker back to closed.
	Reset()
}

var _ Breaker = (*FailureRateBreaker)(nil)

// IsFailure classifies a backend exchange for breaker accounting. err is
// the error from sending the request or reading the response. Transport
// errors and 5xx responses are failures; 4xx responses, caller
// cancellation and discovery errors are not, since none of them says
// anything about the backend's health.
func IsFailure(status int, err error) bool {
	if err == nil {
		return status >= 500
	}
	var resolveErr *discovery.ResolveError
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, discovery.ErrNoInstances),
		errors.As(err, &resolveErr):
		return false
	}
	return true
}
