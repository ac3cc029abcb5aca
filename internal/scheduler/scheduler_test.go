package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/ignite/internal/health"
)

// --- fakes ---

var errStopped = errors.New("stopped")

type fakeHandle struct {
	ready   chan error
	exit    chan error
	stopped chan struct{}
	once    sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		ready:   make(chan error, 1),
		exit:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (h *fakeHandle) Ready(ctx context.Context) error {
	select {
	case err := <-h.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeHandle) Wait() error {
	select {
	case err := <-h.exit:
		return err
	case <-h.stopped:
		return errStopped
	}
}

func (h *fakeHandle) Stop(context.Context) error {
	h.once.Do(func() { close(h.stopped) })
	return nil
}

func (h *fakeHandle) isStopped() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

type fakeLauncher struct {
	mu        sync.Mutex
	handles   map[string]*fakeHandle
	envs      map[string]map[string]string
	order     []string
	launchErr map[string]error
	// auto nodes become ready and exit with the given error on launch.
	auto map[string]error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		handles:   make(map[string]*fakeHandle),
		envs:      make(map[string]map[string]string),
		launchErr: make(map[string]error),
		auto:      make(map[string]error),
	}
}

func (l *fakeLauncher) Launch(_ context.Context, n Node, env map[string]string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, n.Name)
	l.envs[n.Name] = env
	if err := l.launchErr[n.Name]; err != nil {
		return nil, err
	}
	h := newFakeHandle()
	if exitErr, ok := l.auto[n.Name]; ok {
		h.ready <- nil
		h.exit <- exitErr
	}
	l.handles[n.Name] = h
	return h, nil
}

func (l *fakeLauncher) get(name string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[name]
}

func (l *fakeLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *fakeLauncher) waitLaunched(t *testing.T, name string) *fakeHandle {
	t.Helper()
	require.Eventually(t, func() bool { return l.get(name) != nil }, 2*time.Second, time.Millisecond,
		"%s was never launched", name)
	return l.get(name)
}

// deployment is the db → migrator → web graph: migrator needs db running,
// web needs migrator completed.
func deployment() []Node {
	return []Node{
		{Name: "db", Connection: map[string]string{"url": "postgres://db/app", "max-conns": "10"}},
		{Name: "migrator", Command: []string{"ignite", "bootstrap"},
			Dependencies: []Dependency{{Name: "db", Mode: ModeRunning}}},
		{Name: "web", Command: []string{"./web"}, Env: map[string]string{"PORT": "8080"},
			Dependencies: []Dependency{{Name: "migrator", Mode: ModeCompleted}}},
	}
}

type runResult struct {
	report *Report
	err    error
}

func start(t *testing.T, ctx context.Context, s *Scheduler) <-chan runResult {
	t.Helper()
	done := make(chan runResult, 1)
	go func() {
		r, err := s.Run(ctx)
		done <- runResult{r, err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return runResult{}
	}
}

// --- gating ---

func TestRun_CompletedEdgeWaitsForExit(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	s, err := New(deployment(), Options{Launcher: l})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := start(t, ctx, s)

	db := l.waitLaunched(t, "db")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"db"}, l.launched(), "migrator must wait for db readiness")

	db.ready <- nil
	migrator := l.waitLaunched(t, "migrator")
	migrator.ready <- nil

	require.Eventually(t, func() bool { return s.state("migrator") == StateRunning }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, l.get("web"), "web must not start while migrator is only running")
	assert.Equal(t, StatePending, s.state("web"))

	migrator.exit <- nil
	web := l.waitLaunched(t, "web")
	web.ready <- nil

	select {
	case <-s.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("Started was never closed")
	}

	cancel()
	r := waitRun(t, done)
	require.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, StateCompleted, r.report.State("migrator"))
	assert.Equal(t, StateRunning, r.report.State("web"))
	assert.True(t, db.isStopped())
	assert.True(t, web.isStopped())
}

func TestRun_FailedCompletedDependencyBlocksDependents(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	l.auto["migrator"] = errors.New("exit status 1")
	s, err := New(deployment(), Options{Launcher: l})
	require.NoError(t, err)

	done := start(t, context.Background(), s)
	db := l.waitLaunched(t, "db")
	db.ready <- nil

	r := waitRun(t, done)
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, ErrDependencyFailed)

	var nodeErr *NodeError
	require.ErrorAs(t, r.err, &nodeErr)
	assert.Equal(t, "migrator", nodeErr.Node)
	assert.Equal(t, []string{"web"}, nodeErr.Blocked)
	assert.Contains(t, r.err.Error(), "exit status 1")

	assert.Equal(t, StateFailed, r.report.State("migrator"))
	assert.Equal(t, StatePending, r.report.State("web"))
	assert.NotContains(t, l.launched(), "web")
	assert.True(t, db.isStopped())

	select {
	case <-s.Started():
		t.Fatal("Started closed although the deployment failed")
	default:
	}
}

func TestRun_LaunchErrorFailsNode(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	l.launchErr["db"] = errors.New("exec: \"postgres\": executable file not found")
	s, err := New(deployment(), Options{Launcher: l})
	require.NoError(t, err)

	r := waitRun(t, start(t, context.Background(), s))

	var nodeErr *NodeError
	require.ErrorAs(t, r.err, &nodeErr)
	assert.Equal(t, "db", nodeErr.Node)
	assert.Equal(t, []string{"migrator", "web"}, nodeErr.Blocked)
	assert.Equal(t, []string{"db"}, l.launched())
}

func TestRun_ReadyTimeout(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	s, err := New(deployment(), Options{Launcher: l, ReadyTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	r := waitRun(t, start(t, context.Background(), s))

	assert.ErrorIs(t, r.err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, r.report.State("db"))
	assert.Equal(t, StatePending, r.report.State("migrator"))
	assert.True(t, l.get("db").isStopped())
}

func TestRun_AllNodesComplete(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	l.auto["a"] = nil
	l.auto["b"] = nil
	nodes := []Node{
		{Name: "b", Command: []string{"true"}, Dependencies: []Dependency{{Name: "a", Mode: ModeCompleted}}},
		{Name: "a", Command: []string{"true"}},
	}
	s, err := New(nodes, Options{Launcher: l})
	require.NoError(t, err)

	r := waitRun(t, start(t, context.Background(), s))
	require.NoError(t, r.err)

	assert.Equal(t, []string{"a", "b"}, l.launched())
	assert.Equal(t, StateCompleted, r.report.State("a"))
	assert.Equal(t, StateCompleted, r.report.State("b"))

	var b []NodeState
	for _, tr := range r.report.Transitions {
		if tr.Node == "b" {
			b = append(b, tr.To)
		}
	}
	require.NotEmpty(t, b)
	assert.Equal(t, StateStarting, b[0])
	assert.Equal(t, StateCompleted, b[len(b)-1])
}

func TestRun_CancelledBeforeDependencyReady(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	s, err := New(deployment(), Options{Launcher: l})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := start(t, ctx, s)
	l.waitLaunched(t, "db")
	cancel()

	r := waitRun(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, StatePending, r.report.State("migrator"))
	assert.Equal(t, StatePending, r.report.State("web"))
	assert.Equal(t, []string{"db"}, l.launched())
}

func TestRun_ConnectionReferences(t *testing.T) {
	t.Parallel()

	l := newFakeLauncher()
	l.auto["migrator"] = nil
	s, err := New(deployment(), Options{Launcher: l})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := start(t, ctx, s)

	l.waitLaunched(t, "db").ready <- nil
	l.waitLaunched(t, "web").ready <- nil
	<-s.Started()
	cancel()
	waitRun(t, done)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, map[string]string{
		"DB_URL":       "postgres://db/app",
		"DB_MAX_CONNS": "10",
	}, l.envs["migrator"])
	assert.Equal(t, map[string]string{"PORT": "8080"}, l.envs["web"], "references are passed to direct dependents only")
}

func TestNew_RejectsInvalidGraph(t *testing.T) {
	t.Parallel()

	_, err := New([]Node{{Name: "a", Dependencies: []Dependency{{Name: "a", Mode: ModeRunning}}}},
		Options{Launcher: newFakeLauncher()})
	assert.ErrorIs(t, err, ErrInvalidGraph)

	_, err = New(deployment(), Options{})
	assert.Error(t, err)
}

// --- process launcher ---

func TestDefaultLauncher_Process(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	t.Parallel()

	l := &DefaultLauncher{}

	t.Run("exit status is reported by Wait", func(t *testing.T) {
		t.Parallel()
		h, err := l.Launch(context.Background(), Node{Name: "ok", Command: []string{"sh", "-c", "echo hello; exit 0"}}, nil)
		require.NoError(t, err)
		require.NoError(t, h.Ready(context.Background()))
		assert.NoError(t, h.Wait())

		h, err = l.Launch(context.Background(), Node{Name: "bad", Command: []string{"sh", "-c", "exit 3"}}, nil)
		require.NoError(t, err)
		assert.Error(t, h.Wait())
	})

	t.Run("environment reaches the child", func(t *testing.T) {
		t.Parallel()
		h, err := l.Launch(context.Background(), Node{
			Name:    "env",
			Command: []string{"sh", "-c", `test "$DB_URL" = "postgres://db"`},
		}, map[string]string{"DB_URL": "postgres://db"})
		require.NoError(t, err)
		assert.NoError(t, h.Wait())
	})

	t.Run("stop terminates a long-running child", func(t *testing.T) {
		t.Parallel()
		h, err := l.Launch(context.Background(), Node{Name: "sleeper", Command: []string{"sleep", "30"}}, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start := time.Now()
		require.NoError(t, h.Stop(ctx))
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Error(t, h.Wait())
	})

	t.Run("missing binary fails the launch", func(t *testing.T) {
		t.Parallel()
		_, err := l.Launch(context.Background(), Node{Name: "ghost", Command: []string{"/nonexistent/ignite-test-binary"}}, nil)
		assert.Error(t, err)
	})
}

func TestDefaultLauncher_External(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	l := &DefaultLauncher{
		Interval: time.Millisecond,
		Probers: func(spec HealthSpec) (health.Prober, error) {
			assert.Equal(t, "tcp", spec.Type)
			return health.ProberFunc(func(context.Context) health.Result {
				mu.Lock()
				defer mu.Unlock()
				calls++
				return health.Result{Name: spec.Target, OK: calls >= 3}
			}), nil
		},
	}

	h, err := l.Launch(context.Background(), Node{
		Name:   "db",
		Health: &HealthSpec{Type: "tcp", Target: "localhost:5432"},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Ready(context.Background()))

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	waited := make(chan error, 1)
	go func() { waited <- h.Wait() }()
	require.NoError(t, h.Stop(context.Background()))
	assert.NoError(t, <-waited)
}

func TestDefaultLauncher_HealthWithoutFactory(t *testing.T) {
	t.Parallel()

	l := &DefaultLauncher{}
	_, err := l.Launch(context.Background(), Node{Name: "db", Health: &HealthSpec{Type: "postgres"}}, nil)
	assert.Error(t, err)
}
