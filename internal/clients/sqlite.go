package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	_ "modernc.org/sqlite"

	"arc-framework/ignite/internal/config"
	"arc-framework/ignite/internal/health"
	"arc-framework/ignite/internal/store"
)

const sqliteProbeName = "sqlite"

const createLedgerSQLite = `CREATE TABLE IF NOT EXISTS schema_migrations (
    migration_id TEXT PRIMARY KEY,
    applied_at   TEXT NOT NULL
)`

// SQLiteClient is the embedded store.Store for single-host deployments. The
// database file is the "database": Create makes it, CheckExists stats it.
// Transactions begin IMMEDIATE, taking the write lock up front, so the seed
// re-check and insert cannot interleave with another writer. The circuit
// breaker guards Probe only.
type SQLiteClient struct {
	cfg config.SQLiteConfig
	cb  *gobreaker.CircuitBreaker
	now func() time.Time

	mu sync.Mutex
	db *sql.DB
}

var _ store.Store = (*SQLiteClient)(nil)

// NewSQLiteClient creates a SQLiteClient. The file is not opened until first
// use.
func NewSQLiteClient(cfg config.SQLiteConfig, cb *gobreaker.CircuitBreaker) *SQLiteClient {
	return &SQLiteClient{cfg: cfg, cb: cb, now: time.Now}
}

// CheckExists reports whether the database file is present.
func (c *SQLiteClient) CheckExists(context.Context) (bool, error) {
	_, err := os.Stat(c.cfg.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking %s: %w", c.cfg.Path, err)
	}
}

// Create makes the database file exclusively. An existing file is
// store.ErrAlreadyExists.
func (c *SQLiteClient) Create(context.Context) error {
	if dir := filepath.Dir(c.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(c.cfg.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, fs.ErrExist) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", c.cfg.Path, err)
	}
	return f.Close()
}

// ListAppliedMigrations returns the ledger, creating it when absent.
func (c *SQLiteClient) ListAppliedMigrations(ctx context.Context) ([]store.MigrationRecord, error) {
	db, err := c.open()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createLedgerSQLite); err != nil {
		return nil, classifySQLite(fmt.Errorf("creating schema_migrations: %w", err))
	}

	rows, err := db.QueryContext(ctx, "SELECT migration_id, applied_at FROM schema_migrations ORDER BY migration_id")
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("listing migrations: %w", err))
	}
	defer rows.Close()

	var records []store.MigrationRecord
	for rows.Next() {
		var r store.MigrationRecord
		var at string
		if err := rows.Scan(&r.ID, &at); err != nil {
			return nil, classifySQLite(err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339Nano, at)
		r.Version, _, _ = store.ParseMigrationID(r.ID)
		records = append(records, r)
	}
	return records, classifySQLite(rows.Err())
}

// ApplyMigration claims the ledger row and runs the body in one transaction.
func (c *SQLiteClient) ApplyMigration(ctx context.Context, m store.Migration) (store.MigrationRecord, error) {
	db, err := c.open()
	if err != nil {
		return store.MigrationRecord{}, err
	}
	if _, err := db.ExecContext(ctx, createLedgerSQLite); err != nil {
		return store.MigrationRecord{}, classifySQLite(fmt.Errorf("creating schema_migrations: %w", err))
	}

	rec := store.MigrationRecord{ID: m.ID(), Version: m.Version, AppliedAt: c.now().UTC()}
	err = inTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (migration_id, applied_at) VALUES (?, ?) ON CONFLICT (migration_id) DO NOTHING",
			rec.ID, rec.AppliedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrAlreadyApplied
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("executing migration %s: %w", rec.ID, err)
		}
		return nil
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		return store.MigrationRecord{}, err
	}
	if err != nil {
		return store.MigrationRecord{}, classifySQLite(err)
	}
	return rec, nil
}

// AccountCount returns the number of rows in accounts.
func (c *SQLiteClient) AccountCount(ctx context.Context) (int, error) {
	db, err := c.open()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM accounts").Scan(&n); err != nil {
		return 0, classifySQLite(fmt.Errorf("counting accounts: %w", err))
	}
	return n, nil
}

// InsertAccountsIfEmpty re-checks emptiness and inserts inside one
// IMMEDIATE transaction.
func (c *SQLiteClient) InsertAccountsIfEmpty(ctx context.Context, accounts []store.Account) (bool, error) {
	db, err := c.open()
	if err != nil {
		return false, err
	}

	inserted := false
	err = inTx(ctx, db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM accounts").Scan(&n); err != nil {
			return fmt.Errorf("re-checking accounts: %w", err)
		}
		if n > 0 {
			return nil
		}
		for _, a := range accounts {
			_, err := tx.ExecContext(ctx, `INSERT INTO accounts (id, username, normalized_username, email, normalized_email,
    phone, password_hash, email_confirmed, phone_confirmed, security_stamp, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.Username, a.NormalizedUsername, a.Email, a.NormalizedEmail,
				a.Phone, a.PasswordHash, a.EmailConfirmed, a.PhoneConfirmed, a.SecurityStamp,
				a.CreatedAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("inserting account %s: %w", a.Username, err)
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, classifySQLite(err)
	}
	return inserted, nil
}

// Ping checks the database file can be opened and queried.
func (c *SQLiteClient) Ping(ctx context.Context) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	return classifySQLite(db.PingContext(ctx))
}

// Probe pings the database and verifies the schema_migrations table exists.
func (c *SQLiteClient) Probe(ctx context.Context) health.Result {
	start := time.Now()
	_, err := guard(c.cb, func() (struct{}, error) {
		db, err := c.open()
		if err != nil {
			return struct{}{}, err
		}
		var name string
		err = db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&name)
		if err != nil {
			return struct{}{}, fmt.Errorf("schema_migrations table not found: %w", err)
		}
		return struct{}{}, nil
	})

	r := health.Result{Name: sqliteProbeName, OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = probeError(err)
	}
	return r
}

// Close closes the database handle.
func (c *SQLiteClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *SQLiteClient) open() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	if _, err := os.Stat(c.cfg.Path); err != nil {
		return nil, classifySQLite(fmt.Errorf("opening %s: %w", c.cfg.Path, err))
	}

	db, err := sql.Open("sqlite", sqliteDSN(c.cfg))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.cfg.Path, err)
	}
	// SQLite prefers a single writer per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	c.db = db
	return db, nil
}

func sqliteDSN(cfg config.SQLiteConfig) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	if cfg.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
