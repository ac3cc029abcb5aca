package clients

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"arc-framework/ignite/internal/retry"
)

// NewCircuitBreaker returns a gobreaker configured to trip after 3 consecutive
// transient failures and reset after 30 seconds in the open state. Fatal
// errors (constraint violations, bad credentials, malformed SQL) pass through
// without counting against the breaker: the dependency answered.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
	})
}

func countsAsFailure(err error) bool {
	switch retry.ClassOf(err) {
	case retry.ClassConnection, retry.ClassTimeout, retry.ClassUnknown:
		return true
	}
	return false
}

// errCircuitOpen is the message probes report while the breaker rejects calls.
const errCircuitOpen = "circuit open"

// guard runs fn through cb, or directly when cb is nil. Rejections by an open
// or half-open breaker are classified as connection faults. Only health probes
// and the completion notifier are guarded; store calls on the bootstrap path
// run unguarded so each retry attempt reaches the database.
func guard[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	if cb == nil {
		return fn()
	}
	v, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, retry.Transient(fmt.Errorf("%s %s: %w", cb.Name(), errCircuitOpen, err))
		}
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// probeError renders err for a health.Result.
func probeError(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errCircuitOpen
	}
	return err.Error()
}
