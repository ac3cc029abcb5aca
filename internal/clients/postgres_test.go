package clients

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/ignite/internal/bootstrap"
	"arc-framework/ignite/internal/config"
	"arc-framework/ignite/internal/retry"
	"arc-framework/ignite/internal/store"
)

var errNotFaked = errors.New("not faked")

// mockRow implements pgx.Row for use in tests.
type mockRow struct {
	scanErr error
	val     any
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	if len(dest) > 0 {
		switch ptr := dest[0].(type) {
		case *int:
			if v, ok := r.val.(int); ok {
				*ptr = v
			}
		case *bool:
			if v, ok := r.val.(bool); ok {
				*ptr = v
			}
		}
	}
	return nil
}

// mockDB implements dbPool for use in tests.
type mockDB struct {
	pingErr  error
	execErr  error
	queryRow pgx.Row
	execs    []string
	closed   bool
}

func (m *mockDB) Ping(_ context.Context) error { return m.pingErr }
func (m *mockDB) Close() { m.closed = true }
func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return m.queryRow
}

func (m *mockDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, sql)
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotFaked
}

func (m *mockDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errNotFaked
}

// makeClient returns a PostgresClient with a stubbed connect function.
func makeClient(db dbPool, connectErr error, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg: config.PostgresConfig{Host: "db", Port: 5432, DB: "arc_db", MaintenanceDB: "postgres"},
		cb:  cb,
		connect: func(_ context.Context, _ string, _ int32) (dbPool, error) {
			if connectErr != nil {
				return nil, connectErr
			}
			return db, nil
		},
	}
}

func TestPostgresProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		scanErr    error
		connectErr error
		wantOK     bool
		wantErrSub string
	}{
		{
			name:   "ping ok and schema_migrations table exists",
			wantOK: true,
		},
		{
			name:       "ping error",
			pingErr:    errors.New("connection refused"),
			wantErrSub: "ping",
		},
		{
			name:       "schema_migrations table absent",
			scanErr:    pgx.ErrNoRows,
			wantErrSub: "schema_migrations",
		},
		{
			name:       "connect error",
			connectErr: errors.New("dial error"),
			wantErrSub: "dial error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cb := NewCircuitBreaker("test-" + tc.name)
			db := &mockDB{pingErr: tc.pingErr, queryRow: &mockRow{scanErr: tc.scanErr, val: 1}}
			client := makeClient(db, tc.connectErr, cb)

			result := client.Probe(context.Background())

			assert.Equal(t, postgresProbeName, result.Name)
			assert.Equal(t, tc.wantOK, result.OK)
			if tc.wantErrSub != "" {
				assert.Contains(t, result.Error, tc.wantErrSub)
			}
			if tc.wantOK {
				assert.Empty(t, result.Error)
			}
		})
	}
}

func TestPostgresProbeCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("cb-open-test")
	client := makeClient(&mockDB{
		pingErr:  errors.New("connection refused"),
		queryRow: &mockRow{val: 1},
	}, nil, cb)

	// Three consecutive failures should trip the breaker.
	for i := range 3 {
		result := client.Probe(context.Background())
		assert.False(t, result.OK, "probe %d should fail", i+1)
		assert.NotEqual(t, errCircuitOpen, result.Error,
			"probe %d should not be circuit-open yet", i+1)
	}

	// The 4th call must be rejected immediately by the open breaker.
	result := client.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, errCircuitOpen, result.Error)
}

// A database that refuses connections while starting must not trip the store
// path into rejecting attempts: every retry reaches the server.
func TestPostgresEnsure_RetriesPastStartupWithBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	db := &mockDB{queryRow: &mockRow{val: true}}
	client := &PostgresClient{
		cfg: config.PostgresConfig{Host: "db", Port: 5432, DB: "arc_db", MaintenanceDB: "postgres"},
		cb:  NewCircuitBreaker("ensure-startup"),
		connect: func(context.Context, string, int32) (dbPool, error) {
			if calls.Add(1) <= 3 {
				return nil, retry.Transient(errors.New("connection refused"))
			}
			return db, nil
		},
	}

	policy := retry.Policy{MaxAttempts: 8, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	attempts := 0
	got, err := retry.Do(context.Background(), policy, "ensure", func(ctx context.Context) (bootstrap.EnsureOutcome, error) {
		attempts++
		return bootstrap.NewEnsurer(client).Ensure(ctx)
	})

	require.NoError(t, err)
	assert.Equal(t, bootstrap.AlreadyExists, got)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, int32(4), calls.Load(), "every attempt must reach the store")
}

func TestPostgresCheckExists(t *testing.T) {
	t.Parallel()

	for _, want := range []bool{true, false} {
		db := &mockDB{queryRow: &mockRow{val: want}}
		got, err := makeClient(db, nil, NewCircuitBreaker("exists")).CheckExists(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, db.closed, "maintenance pool must be closed")
	}

	_, err := makeClient(nil, &pgconn.PgError{Code: "57P03", Message: "the database system is starting up"},
		NewCircuitBreaker("exists-starting")).CheckExists(context.Background())
	require.Error(t, err)
	assert.Equal(t, retry.ClassConnection, retry.ClassOf(err))
}

func TestPostgresCreate(t *testing.T) {
	t.Parallel()

	t.Run("creates with a quoted identifier", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{}
		require.NoError(t, makeClient(db, nil, NewCircuitBreaker("create-ok")).Create(context.Background()))
		assert.Equal(t, []string{`CREATE DATABASE "arc_db"`}, db.execs)
	})

	t.Run("lost race is ErrAlreadyExists", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execErr: &pgconn.PgError{Code: "42P04", Message: `database "arc_db" already exists`}}
		err := makeClient(db, nil, NewCircuitBreaker("create-exists")).Create(context.Background())
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("permission denied is fatal", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execErr: &pgconn.PgError{Code: "42501", Message: "permission denied to create database"}}
		err := makeClient(db, nil, NewCircuitBreaker("create-denied")).Create(context.Background())
		require.Error(t, err)
		assert.Equal(t, retry.ClassMalformed, retry.ClassOf(err))
		assert.False(t, retry.DefaultPolicy().ShouldRetry(err))
	})
}

func TestPostgresTargetPool(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	fail := true
	db := &mockDB{}
	client := &PostgresClient{
		cfg: config.PostgresConfig{DB: "arc_db"},
		connect: func(context.Context, string, int32) (dbPool, error) {
			connects.Add(1)
			if fail {
				return nil, errors.New("connection refused")
			}
			return db, nil
		},
	}

	require.Error(t, client.Ping(context.Background()))
	fail = false
	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, int32(2), connects.Load(), "a failed open is retried, a good pool is reused")

	require.NoError(t, client.Close())
	assert.True(t, db.closed)
}

func TestEnsureLedger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		execErr error
		wantErr bool
	}{
		{name: "created", execErr: nil},
		{name: "concurrent create duplicate type", execErr: &pgconn.PgError{Code: "23505"}},
		{name: "concurrent create duplicate table", execErr: &pgconn.PgError{Code: "42P07"}},
		{name: "other failure", execErr: &pgconn.PgError{Code: "28P01"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ensureLedger(context.Background(), &mockDB{execErr: tc.execErr})
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, retry.ClassAuth, retry.ClassOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewCircuitBreaker(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("unit-test")
	assert.NotNil(t, cb)
	assert.Equal(t, "unit-test", cb.Name())
}

func TestCircuitBreaker_FatalErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("fatal-test")
	integrity := retry.Integrity(errors.New("duplicate key"))

	for range 5 {
		_, err := guard(cb, func() (struct{}, error) { return struct{}{}, integrity })
		assert.ErrorIs(t, err, integrity)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())

	for range 3 {
		_, _ = guard(cb, func() (struct{}, error) { return struct{}{}, retry.Transient(errors.New("refused")) })
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := guard(cb, func() (struct{}, error) { return struct{}{}, nil })
	require.Error(t, err)
	assert.Equal(t, retry.ClassConnection, retry.ClassOf(err), "open breaker rejections are retryable")
}
