// Package retry runs idempotent operations under a bounded retry policy.
//
// Only failures whose Class is marked retryable in the Policy are re-invoked;
// everything else is returned after the first attempt. The wait between
// attempts is a select on a timer and the caller's context, so a shutdown
// signal aborts it immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64
	// Retryable lists the classes worth another attempt. Nil means
	// TransientClasses.
	Retryable map[Class]bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		Multiplier:  2,
		Jitter:      0.3,
	}
}

// Classes builds a Retryable set from a list.
func Classes(cs ...Class) map[Class]bool {
	set := make(map[Class]bool, len(cs))
	for _, c := range cs {
		set[c] = true
	}
	return set
}

// ShouldRetry reports whether err belongs to a retryable class.
func (p Policy) ShouldRetry(err error) bool {
	c := ClassOf(err)
	if c == ClassCanceled {
		return false
	}
	if p.Retryable == nil {
		for _, t := range TransientClasses {
			if c == t {
				return true
			}
		}
		return false
	}
	return p.Retryable[c]
}

// Delay returns the un-jittered wait before attempt n+1, where n counts the
// attempts already made (n >= 1).
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(n int) time.Duration {
	d := p.Delay(n)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	f := 1 - p.Jitter + rand.Float64()*2*p.Jitter
	return time.Duration(float64(d) * f)
}

// ExhaustedError is returned once every allowed attempt failed with a
// retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Attempts reports how many times Do invoked the operation before returning
// err. It returns 0 for errors not produced by Do.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	var fe *finalError
	if errors.As(err, &fe) {
		return fe.attempts
	}
	return 0
}

// finalError carries the attempt count on a non-retryable failure without
// changing its message.
type finalError struct {
	attempts int
	err      error
}

func (e *finalError) Error() string { return e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

// Do invokes op until it succeeds, fails with a non-retryable error, the
// policy's attempts are exhausted, or ctx is done. op must be idempotent: an
// earlier attempt may have taken effect before its error surfaced.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, &finalError{attempts: attempt - 1, err: fmt.Errorf("%s: %w (last error: %v)", name, err, lastErr)}
			}
			return zero, fmt.Errorf("%s: %w", name, err)
		}

		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.InfoContext(ctx, "operation succeeded after retry", "op", name, "attempt", attempt)
			}
			return v, nil
		}
		lastErr = err

		if !p.ShouldRetry(err) {
			return zero, &finalError{attempts: attempt, err: err}
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.jittered(attempt)
		slog.WarnContext(ctx, "retryable failure",
			"op", name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"class", string(ClassOf(err)),
			"delay", delay,
			"err", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &finalError{attempts: attempt, err: fmt.Errorf("%s: %w (last error: %v)", name, ctx.Err(), lastErr)}
		case <-timer.C:
		}
	}

	return zero, &ExhaustedError{Op: name, Attempts: maxAttempts, Err: lastErr}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
