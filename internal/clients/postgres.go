package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"arc-framework/ignite/internal/config"
	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/retry"
	"arc-framework/ignite/internal/store"
)

const postgresProbeName = "postgres"

const createLedgerSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    migration_id TEXT PRIMARY KEY,
    applied_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// dbPool abstracts the pgxpool.Pool methods used by PostgresClient so that
// tests can inject a fake without standing up a real database.
type dbPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// PostgresClient is the Postgres store.Store. Existence checks and creation
// go through a short-lived pool on the maintenance database; everything else
// uses a pool on the target database, opened on first use. Store calls return
// classified errors and are never gated by the circuit breaker, which guards
// Probe only.
type PostgresClient struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, dsn string, maxConns int32) (dbPool, error)

	mu   sync.Mutex
	pool dbPool
}

var _ store.Store = (*PostgresClient)(nil)

// NewPostgresClient creates a PostgresClient. No connection is made at
// construction time.
func NewPostgresClient(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// CheckExists reports whether the target database is present.
func (c *PostgresClient) CheckExists(ctx context.Context) (bool, error) {
	admin, err := c.connect(ctx, c.cfg.DSN(c.cfg.MaintenanceDB), 1)
	if err != nil {
		return false, classifyPostgres(err)
	}
	defer admin.Close()

	var exists bool
	err = admin.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", c.cfg.DB).Scan(&exists)
	if err != nil {
		return false, classifyPostgres(fmt.Errorf("checking database %s: %w", c.cfg.DB, err))
	}
	return exists, nil
}

// Create issues CREATE DATABASE. A concurrent creator winning the race
// surfaces as store.ErrAlreadyExists.
func (c *PostgresClient) Create(ctx context.Context) error {
	admin, err := c.connect(ctx, c.cfg.DSN(c.cfg.MaintenanceDB), 1)
	if err != nil {
		return classifyPostgres(err)
	}
	defer admin.Close()

	_, err = admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{c.cfg.DB}.Sanitize())
	var pgErr *pgconn.PgError
	// 42P04 duplicate_database; two concurrent creators can instead
	// collide on the pg_database unique index.
	if errors.As(err, &pgErr) && (pgErr.Code == "42P04" || pgErr.Code == "23505") {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return classifyPostgres(fmt.Errorf("creating database %s: %w", c.cfg.DB, err))
	}
	return nil
}

// ListAppliedMigrations returns the ledger, creating it when absent.
func (c *PostgresClient) ListAppliedMigrations(ctx context.Context) ([]store.MigrationRecord, error) {
	pool, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	if err := ensureLedger(ctx, pool); err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, "SELECT migration_id, applied_at FROM schema_migrations ORDER BY migration_id")
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("listing migrations: %w", err))
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MigrationRecord, error) {
		var r store.MigrationRecord
		if err := row.Scan(&r.ID, &r.AppliedAt); err != nil {
			return r, err
		}
		r.Version, _, _ = store.ParseMigrationID(r.ID)
		return r, nil
	})
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("reading migrations: %w", err))
	}
	return records, nil
}

// ApplyMigration claims the ledger row and runs the body in one transaction.
// The claim comes first so a concurrent applier blocks on the primary key and
// then sees the row, rather than running the body twice.
func (c *PostgresClient) ApplyMigration(ctx context.Context, m store.Migration) (store.MigrationRecord, error) {
	pool, err := c.target(ctx)
	if err != nil {
		return store.MigrationRecord{}, err
	}
	if err := ensureLedger(ctx, pool); err != nil {
		return store.MigrationRecord{}, err
	}

	rec := store.MigrationRecord{ID: m.ID(), Version: m.Version}
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"INSERT INTO schema_migrations (migration_id) VALUES ($1) ON CONFLICT (migration_id) DO NOTHING RETURNING applied_at",
			rec.ID,
		).Scan(&rec.AppliedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrAlreadyApplied
		}
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", rec.ID, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("executing migration %s: %w", rec.ID, err)
		}
		return nil
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		return store.MigrationRecord{}, err
	}
	if err != nil {
		return store.MigrationRecord{}, classifyPostgres(err)
	}
	return rec, nil
}

// AccountCount returns the number of rows in accounts.
func (c *PostgresClient) AccountCount(ctx context.Context) (int, error) {
	pool, err := c.target(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM accounts").Scan(&n); err != nil {
		return 0, classifyPostgres(fmt.Errorf("counting accounts: %w", err))
	}
	return n, nil
}

// InsertAccountsIfEmpty re-checks emptiness and inserts inside one
// SERIALIZABLE transaction. Two racing seeders cannot both commit: the loser
// fails with a serialization error, which is transient, and its retry then
// finds the winner's rows.
func (c *PostgresClient) InsertAccountsIfEmpty(ctx context.Context, accounts []store.Account) (bool, error) {
	pool, err := c.target(ctx)
	if err != nil {
		return false, err
	}

	inserted := false
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM accounts").Scan(&n); err != nil {
			return fmt.Errorf("re-checking accounts: %w", err)
		}
		if n > 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, a := range accounts {
			batch.Queue(`INSERT INTO accounts (id, username, normalized_username, email, normalized_email,
    phone, password_hash, email_confirmed, phone_confirmed, security_stamp, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				a.ID, a.Username, a.NormalizedUsername, a.Email, a.NormalizedEmail,
				a.Phone, a.PasswordHash, a.EmailConfirmed, a.PhoneConfirmed, a.SecurityStamp, a.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting accounts: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, classifyPostgres(err)
	}
	return inserted, nil
}

// Ping checks the target database answers.
func (c *PostgresClient) Ping(ctx context.Context) error {
	pool, err := c.target(ctx)
	if err != nil {
		return err
	}
	return classifyPostgres(pool.Ping(ctx))
}

// Probe pings the target database and verifies the schema_migrations table
// exists in the public schema.
func (c *PostgresClient) Probe(ctx context.Context) health.Result {
	start := time.Now()

	_, err := guard(c.cb, func() (struct{}, error) {
		pool, err := c.target(ctx)
		if err != nil {
			return struct{}{}, err
		}

		if err := pool.Ping(ctx); err != nil {
			return struct{}{}, classifyPostgres(fmt.Errorf("ping: %w", err))
		}

		var exists int
		row := pool.QueryRow(ctx,
			"SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='schema_migrations'",
		)
		if err := row.Scan(&exists); err != nil {
			return struct{}{}, fmt.Errorf("schema_migrations table not found: %w", err)
		}
		return struct{}{}, nil
	})

	r := health.Result{Name: postgresProbeName, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = probeError(err)
	}
	return r
}

// Close releases the target pool.
func (c *PostgresClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// target returns the pool on the target database, opening it on first use.
// A failed open is not cached.
func (c *PostgresClient) target(ctx context.Context) (dbPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		return c.pool, nil
	}
	pool, err := c.connect(ctx, c.cfg.DSN(c.cfg.DB), c.cfg.MaxConns)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	c.pool = pool
	return pool, nil
}

// ensureLedger creates schema_migrations. Two runners racing on CREATE TABLE
// IF NOT EXISTS can collide on the catalog; the loser's table exists anyway.
func ensureLedger(ctx context.Context, pool dbPool) error {
	_, err := pool.Exec(ctx, createLedgerSQL)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "42P07") {
		return nil
	}
	if err != nil {
		return classifyPostgres(fmt.Errorf("creating schema_migrations: %w", err))
	}
	return nil
}

// realConnect opens a pgxpool.Pool on dsn and verifies it with a ping, so
// that a server still starting up is reported here as a connection fault.
func realConnect(ctx context.Context, dsn string, maxConns int32) (dbPool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, retry.Mark(retry.ClassMalformed, fmt.Errorf("parsing postgres DSN: %w", err))
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresProbe returns a prober that connects to dsn and pings. It is
// used to poll deployment nodes whose health type is postgres, so it has no
// breaker: a server that is still starting must not trip one.
func NewPostgresProbe(dsn string) health.Prober {
	return health.ProberFunc(func(ctx context.Context) health.Result {
		return health.Check(ctx, postgresProbeName, func(ctx context.Context) error {
			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer conn.Close(context.WithoutCancel(ctx))
			return conn.Ping(ctx)
		})
	})
}
