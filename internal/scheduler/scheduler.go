package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Options configures a Scheduler.
type Options struct {
	Launcher Launcher
	// ReadyTimeout bounds how long a started node may stay unhealthy. Zero
	// waits until the run is cancelled.
	ReadyTimeout time.Duration
	// StopTimeout bounds graceful shutdown of each node.
	StopTimeout time.Duration
	Now         func() time.Time
}

// Scheduler evaluates a static deployment graph. All node state is owned by
// the goroutine executing Run; per-node watchers only post events.
type Scheduler struct {
	nodes  []Node
	byName map[string]Node
	tiers  [][]string
	opts   Options

	started   chan struct{}
	startOnce sync.Once

	mu     sync.RWMutex
	status map[string]*NodeStatus
}

type event struct {
	node  string
	state NodeState
	err   error
}

// New validates the graph and returns a scheduler for it.
func New(nodes []Node, opts Options) (*Scheduler, error) {
	nodes = append([]Node(nil), nodes...)
	tiers, err := StartOrder(nodes)
	if err != nil {
		return nil, err
	}
	if opts.Launcher == nil {
		return nil, errors.New("scheduler: launcher is required")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		nodes:   nodes,
		byName:  make(map[string]Node, len(nodes)),
		tiers:   tiers,
		opts:    opts,
		started: make(chan struct{}),
		status:  make(map[string]*NodeStatus, len(nodes)),
	}
	for _, n := range nodes {
		s.byName[n.Name] = n
		s.status[n.Name] = &NodeStatus{Name: n.Name, State: StatePending}
	}
	return s, nil
}

// Started is closed once every node is running or completed.
func (s *Scheduler) Started() <-chan struct{} { return s.started }

// Snapshot returns the current status of every node in declaration order.
func (s *Scheduler) Snapshot() []NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeStatus, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *s.status[n.Name])
	}
	return out
}

// Run starts the deployment and blocks until every node has completed, a
// node fails, or ctx is cancelled. In the last two cases every started node
// is stopped, dependents first, before Run returns. Run may be called once.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("arc-ignite").Start(ctx, "ignite.up",
		trace.WithAttributes(attribute.Int("deployment.nodes", len(s.nodes))))
	defer span.End()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	report := &Report{}
	events := make(chan event, 2*len(s.nodes))
	handles := make(map[string]Handle, len(s.nodes))
	spans := make(map[string]trace.Span, len(s.nodes))

	var runErr error
	for runErr == nil {
		if err := s.launchReleased(runCtx, events, handles, spans, report); err != nil {
			runErr = err
			break
		}
		if s.all(StateRunning, StateCompleted) {
			s.startOnce.Do(func() {
				slog.InfoContext(ctx, "deployment started", "nodes", len(s.nodes))
				close(s.started)
			})
		}
		if s.all(StateCompleted) {
			break
		}

		select {
		case <-ctx.Done():
			runErr = fmt.Errorf("deployment cancelled: %w", ctx.Err())
		case ev := <-events:
			runErr = s.apply(ctx, ev, spans, report)
		}
	}

	if runErr != nil {
		s.stopAll(ctx, handles)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		slog.ErrorContext(ctx, "deployment stopped", "error", runErr)
	} else {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "deployment completed")
	}
	for _, sp := range spans {
		sp.End()
	}

	report.Nodes = s.Snapshot()
	return report, runErr
}

// launchReleased starts every pending node whose dependencies satisfy their
// edge modes. A launch error fails the node immediately.
func (s *Scheduler) launchReleased(ctx context.Context, events chan<- event, handles map[string]Handle, spans map[string]trace.Span, report *Report) error {
	for _, tier := range s.tiers {
		for _, name := range tier {
			if s.state(name) != StatePending || !s.released(name) {
				continue
			}
			n := s.byName[name]
			s.transition(ctx, report, name, StateStarting, nil)

			_, sp := otel.Tracer("arc-ignite").Start(ctx, "ignite.node.start",
				trace.WithAttributes(attribute.String("node", name), attribute.Bool("node.external", n.External())))
			spans[name] = sp

			env := ConnectionEnv(n, s.byName)
			for k, v := range n.Env {
				env[k] = v
			}
			h, err := s.opts.Launcher.Launch(ctx, n, env)
			if err != nil {
				return s.apply(ctx, event{node: name, state: StateFailed, err: err}, spans, report)
			}
			handles[name] = h
			go s.watch(ctx, name, h, events)
		}
	}
	return nil
}

func (s *Scheduler) released(name string) bool {
	for _, d := range s.byName[name].Dependencies {
		if !s.state(d.Name).Satisfies(d.Mode) {
			return false
		}
	}
	return true
}

// watch turns readiness and exit of one node into events. It posts at most
// two events, so a channel buffered at 2*len(nodes) never blocks it.
func (s *Scheduler) watch(ctx context.Context, name string, h Handle, events chan<- event) {
	exited := make(chan error, 1)
	go func() { exited <- h.Wait() }()

	var (
		readyCtx context.Context
		cancel   context.CancelFunc
	)
	if s.opts.ReadyTimeout > 0 {
		readyCtx, cancel = context.WithTimeout(ctx, s.opts.ReadyTimeout)
	} else {
		readyCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	readyErr := make(chan error, 1)
	go func() { readyErr <- h.Ready(readyCtx) }()

	select {
	case err := <-readyErr:
		if err != nil {
			events <- event{node: name, state: StateFailed, err: fmt.Errorf("not ready: %w", err)}
			return
		}
		events <- event{node: name, state: StateRunning}
	case err := <-exited:
		events <- exitEvent(name, err)
		return
	}
	events <- exitEvent(name, <-exited)
}

func exitEvent(name string, err error) event {
	if err != nil {
		return event{node: name, state: StateFailed, err: fmt.Errorf("exited: %w", err)}
	}
	return event{node: name, state: StateCompleted}
}

// apply moves a node to the event's state. Events for nodes already in a
// terminal state are stale and dropped. A failure is returned as the run
// error.
func (s *Scheduler) apply(ctx context.Context, ev event, spans map[string]trace.Span, report *Report) error {
	cur := s.state(ev.node)
	if cur == StateCompleted || cur == StateFailed || cur == ev.state {
		return nil
	}
	if ev.state == StateRunning && cur != StateStarting {
		return nil
	}
	s.transition(ctx, report, ev.node, ev.state, ev.err)

	if sp, ok := spans[ev.node]; ok {
		if ev.err != nil {
			sp.RecordError(ev.err)
			sp.SetStatus(codes.Error, "node failed")
		}
		sp.SetAttributes(attribute.String("node.state", string(ev.state)))
		sp.End()
		delete(spans, ev.node)
	}

	if ev.state != StateFailed {
		return nil
	}
	return &NodeError{Node: ev.node, Blocked: s.blockedBy(ev.node), Err: ev.err}
}

func (s *Scheduler) transition(ctx context.Context, report *Report, name string, to NodeState, err error) {
	s.mu.Lock()
	st := s.status[name]
	from := st.State
	st.State = to
	if err != nil {
		st.Error = err.Error()
	}
	s.mu.Unlock()

	report.Transitions = append(report.Transitions, Transition{Node: name, From: from, To: to, At: s.opts.Now().UTC()})
	if err != nil {
		slog.ErrorContext(ctx, "node state", "node", name, "from", from, "to", to, "error", err)
		return
	}
	slog.InfoContext(ctx, "node state", "node", name, "from", from, "to", to)
}

// blockedBy lists the pending nodes that depend on name, directly or not.
func (s *Scheduler) blockedBy(name string) []string {
	seen := map[string]bool{name: true}
	queue := []string{name}
	var blocked []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range s.nodes {
			if seen[n.Name] {
				continue
			}
			for _, d := range n.Dependencies {
				if d.Name == cur {
					seen[n.Name] = true
					queue = append(queue, n.Name)
					if s.state(n.Name) == StatePending {
						blocked = append(blocked, n.Name)
					}
					break
				}
			}
		}
	}
	sort.Strings(blocked)
	return blocked
}

// stopAll stops started nodes tier by tier, dependents before their
// dependencies, in parallel within a tier.
func (s *Scheduler) stopAll(ctx context.Context, handles map[string]Handle) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
	defer cancel()

	for i := len(s.tiers) - 1; i >= 0; i-- {
		var g errgroup.Group
		for _, name := range s.tiers[i] {
			h, ok := handles[name]
			if !ok {
				continue
			}
			g.Go(func() error {
				if err := h.Stop(stopCtx); err != nil {
					slog.WarnContext(ctx, "stopping node", "node", name, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (s *Scheduler) state(name string) NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[name].State
}

func (s *Scheduler) all(states ...NodeState) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.status {
		ok := false
		for _, want := range states {
			if st.State == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
