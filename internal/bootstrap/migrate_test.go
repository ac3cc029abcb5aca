package bootstrap

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arc-framework/ignite/internal/retry"
	"arc-framework/ignite/internal/store"
	"arc-framework/ignite/internal/store/memstore"
)

func threeMigrations() []store.Migration {
	// Deliberately out of order.
	return []store.Migration{
		{Version: 3, Name: "three", SQL: "SELECT 3"},
		{Version: 1, Name: "one", SQL: "SELECT 1"},
		{Version: 2, Name: "two", SQL: "SELECT 2"},
	}
}

func TestMigrationRunner_AppliesInAscendingOrder(t *testing.T) {
	t.Parallel()

	st := memstore.NewExisting()
	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	set, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"0001_one", "0002_two", "0003_three"}, set.IDs())
	assert.Equal(t, []string{"0001_one", "0002_two", "0003_three"}, st.Executed(),
		"each body executes exactly once, in version order")
	assert.Zero(t, set.Skipped)
}

func TestMigrationRunner_RerunIsNoop(t *testing.T) {
	t.Parallel()

	st := memstore.NewExisting()
	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	set, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set.Applied)
	assert.Equal(t, 3, set.Skipped)
	assert.Len(t, st.Executed(), 3)
	assert.Equal(t, 3, st.Calls(memstore.OpApply))
}

func TestMigrationRunner_ResumesAfterFailure(t *testing.T) {
	t.Parallel()

	st := memstore.NewExisting()
	st.FailNext(memstore.OpApply, nil, retry.Transient(errors.New("connection reset")))

	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	set, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, retry.ClassConnection, retry.ClassOf(err))
	assert.Equal(t, []string{"0001_one"}, set.IDs())

	set, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_two", "0003_three"}, set.IDs())
	assert.Equal(t, 1, set.Skipped)
	assert.Equal(t, []string{"0001_one", "0002_two", "0003_three"}, st.Executed())
}

func TestMigrationRunner_CommitHiddenByNetworkDrop(t *testing.T) {
	t.Parallel()

	// The first apply commits but the caller sees an error; a retry must not
	// apply it a second time.
	st := memstore.NewExisting()
	st.FailAfterCommit(memstore.OpApply, retry.Transient(errors.New("broken pipe")))

	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	policy := retry.Policy{MaxAttempts: 3}
	set, err := retry.Do(context.Background(), policy, "migrate", r.Run)
	require.NoError(t, err)

	assert.Equal(t, []string{"0002_two", "0003_three"}, set.IDs())
	assert.Equal(t, []string{"0001_one", "0002_two", "0003_three"}, st.Executed())
}

func TestMigrationRunner_GapIsFatal(t *testing.T) {
	t.Parallel()

	st := memstore.NewExisting()
	st.RecordApplied("0001_one", "0003_three")

	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	calls := 0
	_, err = retry.Do(context.Background(), retry.Policy{MaxAttempts: 5}, "migrate",
		func(ctx context.Context) (AppliedSet, error) {
			calls++
			return r.Run(ctx)
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationGap)
	assert.Equal(t, retry.ClassIntegrity, retry.ClassOf(err))
	assert.Equal(t, 1, calls, "integrity errors are never retried")
	assert.Empty(t, st.Executed())
}

func TestMigrationRunner_UnknownRecordIsFatal(t *testing.T) {
	t.Parallel()

	st := memstore.NewExisting()
	st.RecordApplied("0001_one", "0002_renamed")

	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownMigration)
	assert.Equal(t, retry.ClassIntegrity, retry.ClassOf(err))
}

// racingStore reports a migration as concurrently applied.
type racingStore struct {
	*memstore.Store
	raceOn string
}

func (s *racingStore) ApplyMigration(ctx context.Context, m store.Migration) (store.MigrationRecord, error) {
	if m.ID() == s.raceOn {
		s.RecordApplied(m.ID())
		return store.MigrationRecord{}, store.ErrAlreadyApplied
	}
	return s.Store.ApplyMigration(ctx, m)
}

func TestMigrationRunner_ConcurrentApplyIsSkipped(t *testing.T) {
	t.Parallel()

	st := &racingStore{Store: memstore.NewExisting(), raceOn: "0002_two"}
	r, err := NewMigrationRunner(st, threeMigrations())
	require.NoError(t, err)

	set, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_one", "0003_three"}, set.IDs())
	assert.Equal(t, 1, set.Skipped)
}

func TestNewMigrationRunner_DuplicateVersion(t *testing.T) {
	t.Parallel()

	_, err := NewMigrationRunner(memstore.New(), []store.Migration{
		{Version: 1, Name: "a"},
		{Version: 1, Name: "b"},
	})
	assert.Error(t, err)
}

func TestLoadMigrations(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"m/0010_ten.sql": {Data: []byte("SELECT 10")},
		"m/0002_two.sql": {Data: []byte("SELECT 2")},
		"m/0001_one.sql": {Data: []byte("SELECT 1")},
		"m/README.md":    {Data: []byte("docs")},
		"m/sub/0003.sql": {Data: []byte("ignored")},
	}

	ms, err := LoadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, "0001_one", ms[0].ID())
	assert.Equal(t, "0002_two", ms[1].ID())
	assert.Equal(t, "0010_ten", ms[2].ID())
	assert.Equal(t, "SELECT 10", ms[2].SQL)
}

func TestLoadMigrations_BadName(t *testing.T) {
	t.Parallel()

	_, err := LoadMigrations(fstest.MapFS{"m/init.sql": {Data: []byte("x")}}, "m")
	assert.Error(t, err)
}

func TestDefaultMigrations(t *testing.T) {
	t.Parallel()

	for _, dialect := range []string{"postgres", "sqlite"} {
		ms, err := DefaultMigrations(dialect)
		require.NoError(t, err, dialect)
		require.Len(t, ms, 2, dialect)
		assert.Equal(t, "0001_create_accounts", ms[0].ID())
		assert.Contains(t, ms[0].SQL, "CREATE TABLE IF NOT EXISTS accounts")
	}

	_, err := DefaultMigrations("oracle")
	assert.Error(t, err)
}
