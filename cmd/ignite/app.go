package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arc-framework/ignite/internal/api"
	"arc-framework/ignite/internal/bootstrap"
	"arc-framework/ignite/internal/clients"
	"arc-framework/ignite/internal/config"
	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/orchestrator"
	"arc-framework/ignite/internal/store"
	"arc-framework/ignite/internal/telemetry"
)

// AppContext holds the dependencies shared by the bootstrap and server
// subcommands.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	router       *api.Router
}

// probedStore is a store backend that also reports its own health.
type probedStore interface {
	store.Store
	health.Prober
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Opens the configured store backend; its breaker guards the health probe only
//  3. Builds the three bootstrap steps and the optional probes and notifier
//  4. Creates the orchestrator and the HTTP router
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	app := &AppContext{cfg: cfg}

	tp, err := telemetry.InitProvider(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
	} else {
		app.otelProvider = tp
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Info("OTEL telemetry disabled (no endpoint configured)")
	}

	// One circuit breaker per client so each dependency trips independently.
	var st probedStore
	switch cfg.Bootstrap.Store.Driver {
	case config.DriverSQLite:
		st = clients.NewSQLiteClient(cfg.Bootstrap.Store.SQLite, clients.NewCircuitBreaker("sqlite"))
	default:
		st = clients.NewPostgresClient(cfg.Bootstrap.Store.Postgres, clients.NewCircuitBreaker("postgres"))
	}
	app.store = st

	migrations, err := loadMigrations(cfg)
	if err != nil {
		return nil, err
	}
	runner, err := bootstrap.NewMigrationRunner(st, migrations)
	if err != nil {
		return nil, err
	}

	accounts := cfg.Bootstrap.Seed.All()
	specs := make([]bootstrap.AccountSpec, 0, len(accounts))
	for _, a := range accounts {
		specs = append(specs, bootstrap.AccountSpec{
			Username: a.Username,
			Email:    a.Email,
			Phone:    a.Phone,
			Password: a.Password,
		})
	}
	seeder, err := bootstrap.NewSeeder(st, specs, bootstrap.NewPBKDF2Hasher())
	if err != nil {
		return nil, fmt.Errorf("building seeder: %w", err)
	}

	policy, err := cfg.Bootstrap.Retry.Policy()
	if err != nil {
		return nil, err
	}

	probers := map[string]health.Prober{"store": st}
	opts := orchestrator.Options{Policy: policy, Probers: probers}

	if url := cfg.Bootstrap.Notify.NATSURL; url != "" {
		nats := clients.NewNATSClient(url, cfg.Bootstrap.Notify.Subject, clients.NewCircuitBreaker("nats"))
		opts.Notifier = nats
		probers["nats"] = nats
	}
	if cfg.Bootstrap.Redis.Host != "" {
		probers["redis"] = clients.NewRedisClient(cfg.Bootstrap.Redis, clients.NewCircuitBreaker("redis"))
	}

	app.orchestrator = orchestrator.New(bootstrap.NewEnsurer(st), runner, seeder, opts)
	app.router = api.NewRouter(app.orchestrator, api.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		RunTimeout:  cfg.Bootstrap.Timeout,
		BaseContext: ctx,
	})

	return app, nil
}

func loadMigrations(cfg *config.Config) ([]store.Migration, error) {
	if dir := cfg.Bootstrap.Migrations.Dir; dir != "" {
		ms, err := bootstrap.LoadMigrationsDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading migrations from %s: %w", dir, err)
		}
		return ms, nil
	}
	ms, err := bootstrap.DefaultMigrations(cfg.Bootstrap.Store.Driver)
	if err != nil {
		return nil, fmt.Errorf("loading embedded %s migrations: %w", cfg.Bootstrap.Store.Driver, err)
	}
	return ms, nil
}

// Close releases the store and flushes telemetry.
func (a *AppContext) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing store", "err", err)
	}
	if a.otelProvider != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(shutCtx); err != nil {
			slog.Warn("OTEL shutdown error", "err", err)
		}
	}
}
