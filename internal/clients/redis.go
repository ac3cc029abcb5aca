package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"arc-framework/ignite/internal/config"
	"arc-framework/ignite/internal/health"
)

const redisProbeName = "redis"

// redisPinger is the interface used by RedisClient for health probing.
// It is implemented by the real go-redis client and by test doubles.
type redisPinger interface {
	PingResult(ctx context.Context) (string, error)
	Close() error
}

// realRedisPinger wraps a *redis.Client and adapts it to the redisPinger
// interface.
type realRedisPinger struct {
	client *redis.Client
}

func (r *realRedisPinger) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedisPinger) Close() error {
	return r.client.Close()
}

// RedisClient probes a Redis dependency, either the one configured under
// bootstrap.redis or a deployment node with health type redis.
type RedisClient struct {
	opts   *redis.Options
	cb     *gobreaker.CircuitBreaker
	pinger redisPinger
}

// NewRedisClient creates a RedisClient from config. No connection is opened
// at construction time.
func NewRedisClient(cfg config.RedisConfig, cb *gobreaker.CircuitBreaker) *RedisClient {
	return &RedisClient{
		opts: &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		cb: cb,
	}
}

// NewRedisClientURL creates a RedisClient from a redis:// URL or a bare
// host:port address.
func NewRedisClientURL(target string, cb *gobreaker.CircuitBreaker) (*RedisClient, error) {
	opts, err := redis.ParseURL(target)
	if err != nil {
		opts, err = redis.ParseURL("redis://" + target)
		if err != nil {
			return nil, fmt.Errorf("parsing redis target %q: %w", target, err)
		}
	}
	return &RedisClient{opts: opts, cb: cb}, nil
}

// Probe sends a PING command to Redis and validates the PONG response. The call
// is wrapped in the circuit breaker when one is set; readiness polling of a
// deployment node passes none.
func (c *RedisClient) Probe(ctx context.Context) health.Result {
	start := time.Now()

	ping := func() (struct{}, error) {
		p := c.pinger
		if p == nil {
			p = &realRedisPinger{client: redis.NewClient(c.opts)}
			defer p.Close() //nolint:errcheck
		}

		val, err := p.PingResult(ctx)
		if err != nil {
			return struct{}{}, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return struct{}{}, fmt.Errorf("unexpected PING response: %q", val)
		}
		return struct{}{}, nil
	}

	_, err := guard(c.cb, ping)

	r := health.Result{Name: redisProbeName, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = probeError(err)
	}
	return r
}
