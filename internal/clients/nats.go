package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/orchestrator"
)

const natsProbeName = "nats"

// bootstrapStream holds completion events so a dependent that subscribes
// after the bootstrap finished still sees it.
var bootstrapStream = streamSpec{
	name:      "IGNITE_BOOTSTRAP",
	retention: nats.LimitsPolicy,
	maxAge:    168 * time.Hour,
}

// streamSpec describes a single JetStream stream to provision.
type streamSpec struct {
	name      string
	subjects  []string
	retention nats.RetentionPolicy
	maxAge    time.Duration
}

// jsContext is the subset of nats.JetStreamContext used here. Defining an
// interface allows test doubles to be injected without a live NATS server.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSClient publishes the bootstrap completion event to JetStream and
// probes NATS connectivity.
type NATSClient struct {
	url     string
	subject string
	cb      *gobreaker.CircuitBreaker
	newJS   func(url string) (jsContext, func(), error)
}

var _ orchestrator.Notifier = (*NATSClient)(nil)

// NewNATSClient constructs a NATSClient. No connection is made at construction
// time; connections are opened lazily inside NotifyBootstrap and Probe.
func NewNATSClient(url, subject string, cb *gobreaker.CircuitBreaker) *NATSClient {
	return &NATSClient{
		url:     url,
		subject: subject,
		cb:      cb,
		newJS:   realNewJS,
	}
}

// bootstrapEvent is the payload of the completion message.
type bootstrapEvent struct {
	Outcome    orchestrator.Outcome `json:"outcome"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Applied    []string             `json:"applied,omitempty"`
	Seed       string               `json:"seed,omitempty"`
}

// NotifyBootstrap publishes a completed run to the configured subject,
// provisioning the stream first. Runs that did not complete are not
// published: nothing may treat them as a release signal. The message id is
// derived from the run start so a retried publish is deduplicated.
func (c *NATSClient) NotifyBootstrap(ctx context.Context, result *orchestrator.BootstrapResult) error {
	if result == nil || result.Outcome != orchestrator.OutcomeCompleted {
		return nil
	}

	ev := bootstrapEvent{Outcome: result.Outcome, StartedAt: result.StartedAt, FinishedAt: result.FinishedAt}
	if p, ok := result.Phase(orchestrator.PhaseMigrate); ok {
		ev.Applied = p.Applied
	}
	if p, ok := result.Phase(orchestrator.PhaseSeed); ok {
		ev.Seed = p.Result
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding bootstrap event: %w", err)
	}

	_, err = guard(c.cb, func() (struct{}, error) {
		js, cleanup, err := c.newJS(c.url)
		if err != nil {
			return struct{}{}, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		spec := bootstrapStream
		spec.subjects = []string{c.subject}
		if err := provisionStream(js, spec); err != nil {
			return struct{}{}, err
		}

		msgID := fmt.Sprintf("bootstrap-%d", result.StartedAt.UnixNano())
		ack, err := js.Publish(c.subject, data, nats.MsgId(msgID), nats.Context(ctx))
		if err != nil {
			return struct{}{}, fmt.Errorf("publishing to %s: %w", c.subject, err)
		}
		slog.InfoContext(ctx, "bootstrap event published", "subject", c.subject, "stream", ack.Stream, "seq", ack.Sequence)
		return struct{}{}, nil
	})
	return err
}

// Probe verifies NATS connectivity. A missing stream is not a failure: NATS
// being reachable is what matters here.
func (c *NATSClient) Probe(ctx context.Context) health.Result {
	start := time.Now()

	_, err := guard(c.cb, func() (struct{}, error) {
		js, cleanup, err := c.newJS(c.url)
		if err != nil {
			return struct{}{}, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		_, infoErr := js.StreamInfo(bootstrapStream.name, nats.Context(ctx))
		if infoErr != nil && !errors.Is(infoErr, nats.ErrStreamNotFound) {
			return struct{}{}, fmt.Errorf("stream info: %w", infoErr)
		}
		return struct{}{}, nil
	})

	r := health.Result{Name: natsProbeName, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = probeError(err)
	}
	return r
}

// provisionStream creates the stream if it does not exist, or updates it if it
// does. nats.ErrStreamNotFound signals "create"; any other error is returned.
func provisionStream(js jsContext, spec streamSpec) error {
	cfg := &nats.StreamConfig{
		Name:      spec.name,
		Subjects:  spec.subjects,
		Retention: spec.retention,
		MaxAge:    spec.maxAge,
	}

	_, err := js.StreamInfo(spec.name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return fmt.Errorf("creating stream %s: %w", spec.name, addErr)
		}
	case err != nil:
		return fmt.Errorf("querying stream %s: %w", spec.name, err)
	default:
		if _, updErr := js.UpdateStream(cfg); updErr != nil {
			return fmt.Errorf("updating stream %s: %w", spec.name, updErr)
		}
	}
	return nil
}

// realNewJS opens a real NATS connection and returns a JetStreamContext plus a
// cleanup function that closes the connection.
func realNewJS(url string) (jsContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("arc-ignite"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	return js, func() { nc.Close() }, nil
}
