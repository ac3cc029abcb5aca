package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"arc-framework/ignite/internal/health"
)

// Launcher starts a node. env holds the node's own Env merged with the
// connection references of its dependencies.
type Launcher interface {
	Launch(ctx context.Context, n Node, env map[string]string) (Handle, error)
}

// Handle is a started node.
type Handle interface {
	// Ready blocks until the node accepts connections or ctx is done.
	Ready(ctx context.Context) error
	// Wait blocks until the node exits and returns its exit error.
	Wait() error
	// Stop asks the node to exit, forcing it once ctx is done.
	Stop(ctx context.Context) error
}

// ProberFactory builds the readiness probe for a health spec.
type ProberFactory func(spec HealthSpec) (health.Prober, error)

// DefaultLauncher runs nodes with a Command as child processes and treats
// the others as external services that are only health-checked.
type DefaultLauncher struct {
	Probers ProberFactory
	// Interval is the health polling cadence when a HealthSpec sets none.
	Interval time.Duration
}

// Launch implements Launcher.
func (l *DefaultLauncher) Launch(ctx context.Context, n Node, env map[string]string) (Handle, error) {
	var prober health.Prober
	interval := l.Interval
	if n.Health != nil {
		if l.Probers == nil {
			return nil, fmt.Errorf("node %s: no prober for health type %q", n.Name, n.Health.Type)
		}
		p, err := l.Probers(*n.Health)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		prober = p
		if n.Health.Interval > 0 {
			interval = n.Health.Interval
		}
	}

	if n.External() {
		return newExternal(prober, interval), nil
	}
	return startProcess(ctx, n, env, prober, interval)
}

// readiness waits on prober, or returns at once when there is none.
func readiness(ctx context.Context, prober health.Prober, interval time.Duration) error {
	if prober == nil {
		return nil
	}
	_, err := health.WaitHealthy(ctx, prober, interval)
	return err
}

// --- external ---

type externalHandle struct {
	prober   health.Prober
	interval time.Duration
	stopped  chan struct{}
	once     sync.Once
}

func newExternal(prober health.Prober, interval time.Duration) *externalHandle {
	return &externalHandle{prober: prober, interval: interval, stopped: make(chan struct{})}
}

func (h *externalHandle) Ready(ctx context.Context) error {
	return readiness(ctx, h.prober, h.interval)
}

// Wait blocks until Stop; an external service never exits on our behalf.
func (h *externalHandle) Wait() error {
	<-h.stopped
	return nil
}

func (h *externalHandle) Stop(context.Context) error {
	h.once.Do(func() { close(h.stopped) })
	return nil
}

// --- process ---

type processHandle struct {
	name     string
	cmd      *exec.Cmd
	prober   health.Prober
	interval time.Duration
	done     chan struct{}
	err      error
}

func startProcess(ctx context.Context, n Node, env map[string]string, prober health.Prober, interval time.Duration) (*processHandle, error) {
	cmd := exec.Command(n.Command[0], n.Command[1:]...)
	cmd.Dir = n.Dir
	cmd.Env = mergeEnv(os.Environ(), env)
	stdout := &lineLogger{ctx: ctx, node: n.Name, stream: "stdout"}
	stderr := &lineLogger{ctx: ctx, node: n.Name, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", n.Name, err)
	}
	slog.InfoContext(ctx, "node process started", "node", n.Name, "pid", cmd.Process.Pid)

	h := &processHandle{
		name:     n.Name,
		cmd:      cmd,
		prober:   prober,
		interval: interval,
		done:     make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		stdout.flush()
		stderr.flush()
		close(h.done)
	}()
	return h, nil
}

func (h *processHandle) Ready(ctx context.Context) error {
	return readiness(ctx, h.prober, h.interval)
}

func (h *processHandle) Wait() error {
	<-h.done
	return h.err
}

// Stop sends SIGTERM and escalates to SIGKILL when ctx is done first.
func (h *processHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling %s: %w", h.name, err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		slog.Warn("node did not stop in time, killing", "node", h.name)
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing %s: %w", h.name, err)
		}
		<-h.done
		return ctx.Err()
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// lineLogger forwards complete lines of child output to slog.
type lineLogger struct {
	ctx    context.Context
	node   string
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf[:i], "\r")
		if len(line) > 0 {
			slog.InfoContext(w.ctx, string(line), "node", w.node, "stream", w.stream)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineLogger) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		slog.InfoContext(w.ctx, string(w.buf), "node", w.node, "stream", w.stream)
		w.buf = nil
	}
}
