package clients

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"arc-framework/ignite/internal/health"
)

// HTTPProbe checks a node's HTTP health endpoint. Any 2xx answer is healthy.
type HTTPProbe struct {
	url    string
	cb     *gobreaker.CircuitBreaker
	httpDo func(req *http.Request) (*http.Response, error)
}

// NewHTTPProbe constructs an HTTPProbe for url. cb may be nil.
func NewHTTPProbe(url string, cb *gobreaker.CircuitBreaker) *HTTPProbe {
	return &HTTPProbe{
		url:    url,
		cb:     cb,
		httpDo: (&http.Client{Timeout: 5 * time.Second}).Do,
	}
}

// Probe issues a GET against the health URL.
func (c *HTTPProbe) Probe(ctx context.Context) health.Result {
	start := time.Now()

	_, err := guard(c.cb, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("building probe request: %w", err)
		}

		resp, err := c.httpDo(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("probe request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})

	r := health.Result{Name: c.url, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = probeError(err)
	}
	return r
}

// NewTCPProbe returns a prober that succeeds once addr accepts a connection.
func NewTCPProbe(addr string) health.Prober {
	return health.ProberFunc(func(ctx context.Context) health.Result {
		return health.Check(ctx, addr, func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		})
	})
}

// NewProber builds the readiness prober for a deployment node health check of
// the given kind: postgres, redis, nats, http or tcp. Readiness probers carry
// no circuit breaker.
func NewProber(kind, target string) (health.Prober, error) {
	if target == "" {
		return nil, fmt.Errorf("health check %s: target is required", kind)
	}
	switch kind {
	case "postgres":
		return NewPostgresProbe(target), nil
	case "redis":
		c, err := NewRedisClientURL(target, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "nats":
		return NewNATSClient(target, "", nil), nil
	case "http":
		return NewHTTPProbe(target, nil), nil
	case "tcp":
		return NewTCPProbe(target), nil
	default:
		return nil, fmt.Errorf("unknown health check type %q", kind)
	}
}
