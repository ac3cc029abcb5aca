package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultMetricInterval = 10 * time.Second

// Options selects where ignite exports spans and bootstrap metrics.
type Options struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string
	ServiceName string
	Insecure    bool
	// MetricInterval is the push period of the bootstrap run counters.
	// Zero means 10s.
	MetricInterval time.Duration
}

// Provider owns the exporters installed by InitProvider.
type Provider struct {
	shutdown func(context.Context) error
}

// InitProvider installs the global TracerProvider and MeterProvider. With an
// empty Endpoint only the trace-context propagator is set and the global
// no-op providers stay in place. The collector is dialled lazily, so a
// bootstrap can run before the collector is up.
func InitProvider(ctx context.Context, opts Options) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if opts.Endpoint == "" {
		return &Provider{shutdown: func(context.Context) error { return nil }}, nil
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = defaultMetricInterval
	}

	res, err := newResource(ctx, opts.ServiceName)
	if err != nil {
		return nil, err
	}

	var dial []grpc.DialOption
	if opts.Insecure {
		dial = append(dial, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(opts.Endpoint, dial...)
	if err != nil {
		return nil, fmt.Errorf("dialling collector %s: %w", opts.Endpoint, err)
	}

	tp, err := newTracerProvider(ctx, conn, res)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	mp, err := newMeterProvider(ctx, conn, res, opts.MetricInterval)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), conn.Close())
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Warn("otel export error (will retry)", "err", err)
	}))

	return &Provider{shutdown: func(ctx context.Context) error {
		// A collector that never came up must not fail the process on exit;
		// only the connection close is reported.
		mp.Shutdown(ctx) //nolint:errcheck
		tp.Shutdown(ctx) //nolint:errcheck
		return conn.Close()
	}}, nil
}

// Shutdown flushes pending spans and metrics. ctx should carry a deadline.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildVersion()),
			semconv.ServiceNamespace("arc"),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("building OTEL resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	), nil
}

// buildVersion is the main module version stamped by the Go toolchain, or
// "devel" for local builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}
