// Package health defines the probe result shared by every dependency check
// and a polling helper that waits for a probe to pass.
package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of one probe.
type Result struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Prober checks one dependency.
type Prober interface {
	Probe(ctx context.Context) Result
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Result

func (f ProberFunc) Probe(ctx context.Context) Result { return f(ctx) }

// Check runs fn, timing it, and converts its error into a Result.
func Check(ctx context.Context, name string, fn func(ctx context.Context) error) Result {
	start := time.Now()
	err := fn(ctx)
	r := Result{Name: name, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// WaitHealthy probes p at most once per interval until it reports OK or ctx
// is done. It returns the last result either way.
func WaitHealthy(ctx context.Context, p Prober, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	var last Result
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next token lies past the deadline.
			cause := ctx.Err()
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			if last.Error != "" {
				return last, fmt.Errorf("waiting for %s: %w (last error: %s)", last.Name, cause, last.Error)
			}
			return last, fmt.Errorf("waiting for health: %w", cause)
		}
		last = p.Probe(ctx)
		if last.OK {
			return last, nil
		}
	}
}
