// Package orchestrator runs the bootstrap sequence (ensure the database,
// migrate, seed) as a state machine and records each run's outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"arc-framework/ignite/internal/bootstrap"
	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/retry"
)

// ErrBootstrapInProgress is returned when RunBootstrap is called while a
// bootstrap is already running.
var ErrBootstrapInProgress = errors.New("bootstrap already in progress")

// Phase names as they appear in BootstrapResult.
const (
	PhaseEnsure  = "ensure"
	PhaseMigrate = "migrate"
	PhaseSeed    = "seed"
)

// Ensurer is satisfied by *bootstrap.Ensurer.
type Ensurer interface {
	Ensure(ctx context.Context) (bootstrap.EnsureOutcome, error)
}

// MigrationRunner is satisfied by *bootstrap.MigrationRunner.
type MigrationRunner interface {
	Run(ctx context.Context) (bootstrap.AppliedSet, error)
}

// Seeder is satisfied by *bootstrap.Seeder.
type Seeder interface {
	SeedIfEmpty(ctx context.Context) (bootstrap.SeedOutcome, error)
}

// Notifier receives the terminal result of every run. Satisfied by
// *clients.NATSClient.
type Notifier interface {
	NotifyBootstrap(ctx context.Context, result *BootstrapResult) error
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Policy   retry.Policy
	Notifier Notifier
	// Probers are checked by RunDeepHealth, keyed by dependency name.
	Probers map[string]health.Prober
	Now     func() time.Time
}

// Orchestrator drives Ensure → Migrate → Seed and records the outcome.
type Orchestrator struct {
	ensurer  Ensurer
	runner   MigrationRunner
	seeder   Seeder
	policy   retry.Policy
	notifier Notifier
	probers  map[string]health.Prober
	now      func() time.Time

	runs     metric.Int64Counter
	duration metric.Float64Histogram

	state               atomic.Value // State
	bootstrapInProgress atomic.Bool
	lastResult          *BootstrapResult
	resultMu            sync.RWMutex
}

// New constructs an Orchestrator. The concrete bootstrap step types satisfy
// the interfaces defined in this package.
func New(e Ensurer, r MigrationRunner, s Seeder, opts Options) *Orchestrator {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		ensurer:  e,
		runner:   r,
		seeder:   s,
		policy:   opts.Policy,
		notifier: opts.Notifier,
		probers:  opts.Probers,
		now:      opts.Now,
	}
	meter := otel.Meter("arc-ignite")
	// Instrument creation only fails on invalid names; the no-op fallbacks
	// returned alongside the error are safe to use.
	o.runs, _ = meter.Int64Counter("ignite.bootstrap.runs",
		metric.WithDescription("Bootstrap runs by outcome"))
	o.duration, _ = meter.Float64Histogram("ignite.bootstrap.duration",
		metric.WithDescription("Bootstrap run duration"), metric.WithUnit("ms"))
	o.state.Store(StateInit)
	return o
}

// RunBootstrap runs the three steps strictly in sequence, each under the
// retry policy. The first unrecovered failure moves the run to StateFailed
// and the remaining steps are skipped. The returned error is non-nil only
// when another run is already in progress; every other outcome is reported
// in the result.
func (o *Orchestrator) RunBootstrap(ctx context.Context) (*BootstrapResult, error) {
	if !o.bootstrapInProgress.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInProgress
	}
	defer o.bootstrapInProgress.Store(false)

	o.state.Store(StateInit)
	result := &BootstrapResult{
		State:     StateInit,
		Phases:    make([]PhaseResult, 0, 3),
		StartedAt: o.now().UTC(),
	}

	ctx, span := otel.Tracer("arc-ignite").Start(ctx, "ignite.bootstrap")
	defer span.End()

	slog.InfoContext(ctx, "bootstrap started")

	err := o.runPhases(ctx, result)

	result.FinishedAt = o.now().UTC()
	if err != nil {
		o.transition(ctx, result, StateFailed)
		result.Error = err.Error()
		result.Outcome = OutcomeFailed
		if retry.ClassOf(err) == retry.ClassCanceled {
			result.Outcome = OutcomeCancelled
		}
	} else {
		o.transition(ctx, result, StateCompleted)
		result.Outcome = OutcomeCompleted
	}

	outcome := attribute.String("bootstrap.outcome", string(result.Outcome))
	span.SetAttributes(outcome)
	o.runs.Add(ctx, 1, metric.WithAttributes(outcome))
	o.duration.Record(ctx, float64(result.FinishedAt.Sub(result.StartedAt).Milliseconds()), metric.WithAttributes(outcome))
	if result.Outcome == OutcomeCompleted {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "bootstrap completed", "outcome", result.Outcome)
	} else {
		span.SetStatus(codes.Error, result.Error)
		slog.ErrorContext(ctx, "bootstrap did not complete", "outcome", result.Outcome, "error", result.Error)
	}

	o.notify(ctx, result)

	o.resultMu.Lock()
	o.lastResult = result
	o.resultMu.Unlock()

	return result, nil
}

func (o *Orchestrator) runPhases(ctx context.Context, result *BootstrapResult) error {
	o.transition(ctx, result, StateEnsuring)
	ensured, err := runPhase(ctx, o, result, PhaseEnsure, o.ensurer.Ensure)
	if err != nil {
		skip(result, PhaseMigrate, PhaseSeed)
		return err
	}
	setResult(result, PhaseEnsure, string(ensured), nil)

	o.transition(ctx, result, StateMigrating)
	applied, err := runPhase(ctx, o, result, PhaseMigrate, o.runner.Run)
	if err != nil {
		skip(result, PhaseSeed)
		return err
	}
	setResult(result, PhaseMigrate, fmt.Sprintf("%d applied, %d already applied", len(applied.Applied), applied.Skipped), applied.IDs())

	o.transition(ctx, result, StateSeeding)
	seeded, err := runPhase(ctx, o, result, PhaseSeed, o.seeder.SeedIfEmpty)
	if err != nil {
		return err
	}
	setResult(result, PhaseSeed, string(seeded), nil)
	return nil
}

// runPhase executes one step under the retry policy inside its own span and
// appends its PhaseResult.
func runPhase[T any](ctx context.Context, o *Orchestrator, result *BootstrapResult, name string, op func(context.Context) (T, error)) (T, error) {
	ctx, span := otel.Tracer("arc-ignite").Start(ctx, "ignite.bootstrap."+name)
	defer span.End()

	start := o.now()
	attempts := 0
	v, err := retry.Do(ctx, o.policy, name, func(ctx context.Context) (T, error) {
		attempts++
		return op(ctx)
	})

	phase := PhaseResult{
		Name:       name,
		Status:     StatusOK,
		Attempts:   attempts,
		DurationMs: o.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		phase.Status = StatusError
		phase.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase failed")
	}
	span.SetAttributes(attribute.Int("bootstrap.attempts", attempts))
	result.Phases = append(result.Phases, phase)
	logPhase(ctx, phase)
	return v, err
}

func setResult(result *BootstrapResult, name, summary string, applied []string) {
	for i := range result.Phases {
		if result.Phases[i].Name == name {
			result.Phases[i].Result = summary
			result.Phases[i].Applied = applied
		}
	}
}

func skip(result *BootstrapResult, names ...string) {
	for _, n := range names {
		result.Phases = append(result.Phases, PhaseResult{Name: n, Status: StatusSkipped})
	}
}

func (o *Orchestrator) transition(ctx context.Context, result *BootstrapResult, to State) {
	from := result.State
	result.State = to
	result.Transitions = append(result.Transitions, Transition{From: from, To: to, At: o.now().UTC()})
	o.state.Store(to)
	slog.DebugContext(ctx, "bootstrap state", "from", from, "to", to)
}

// notify is best-effort: a missing message bus must not turn a completed
// bootstrap into a failed one.
func (o *Orchestrator) notify(ctx context.Context, result *BootstrapResult) {
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.notifier.NotifyBootstrap(nctx, result); err != nil {
		slog.WarnContext(ctx, "bootstrap notification failed", "err", err)
	}
}

// RunDeepHealth probes all configured dependencies concurrently and returns
// a map of dependency name to result.
func (o *Orchestrator) RunDeepHealth(ctx context.Context) map[string]health.Result {
	results := make(map[string]health.Result, len(o.probers))
	var mu sync.Mutex
	var g errgroup.Group

	for name, p := range o.probers {
		g.Go(func() error {
			probe := p.Probe(ctx)
			mu.Lock()
			results[name] = probe
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// State returns the state of the current or most recent run.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// LastResult returns the result of the most recent finished run, or nil.
func (o *Orchestrator) LastResult() *BootstrapResult {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastResult
}

// IsBootstrapInProgress returns true while a bootstrap run is active.
func (o *Orchestrator) IsBootstrapInProgress() bool {
	return o.bootstrapInProgress.Load()
}

// WaitIdle blocks until no run is in progress or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for o.bootstrapInProgress.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// IsReady returns true if the last bootstrap reached StateCompleted.
func (o *Orchestrator) IsReady() bool {
	o.resultMu.RLock()
	defer o.resultMu.RUnlock()
	return o.lastResult != nil && o.lastResult.Outcome == OutcomeCompleted
}

// logPhase emits a trace-correlated log for a bootstrap phase result.
func logPhase(ctx context.Context, p PhaseResult) {
	if p.Status == StatusOK {
		slog.InfoContext(ctx, "bootstrap phase ok", "phase", p.Name, "attempts", p.Attempts)
		return
	}
	slog.WarnContext(ctx, "bootstrap phase failed", "phase", p.Name, "attempts", p.Attempts, "error", p.Error)
}
