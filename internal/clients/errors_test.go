package clients

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"arc-framework/ignite/internal/retry"
)

func TestClassifyPostgres(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want retry.Class
	}{
		{"40P01", retry.ClassDeadlock},
		{"40001", retry.ClassSerialization},
		{"55P03", retry.ClassLockContention},
		{"57P03", retry.ClassConnection},
		{"53300", retry.ClassConnection},
		{"08006", retry.ClassConnection},
		{"28P01", retry.ClassAuth},
		{"23505", retry.ClassIntegrity},
		{"42601", retry.ClassMalformed},
		{"XX000", retry.ClassUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			t.Parallel()
			err := classifyPostgres(fmt.Errorf("query: %w", &pgconn.PgError{Code: tc.code}))
			assert.Equal(t, tc.want, retry.ClassOf(err))

			var pgErr *pgconn.PgError
			assert.ErrorAs(t, err, &pgErr, "driver error stays reachable")
		})
	}
}

func TestClassifyPostgres_Passthrough(t *testing.T) {
	t.Parallel()

	assert.NoError(t, classifyPostgres(nil))

	marked := retry.Integrity(errors.New("gap"))
	assert.Same(t, marked, classifyPostgres(marked))

	canceled := fmt.Errorf("query: %w", context.Canceled)
	assert.Equal(t, retry.ClassCanceled, retry.ClassOf(classifyPostgres(canceled)))

	plain := errors.New("something odd")
	assert.Equal(t, retry.ClassUnknown, retry.ClassOf(classifyPostgres(plain)))
}

func TestSQLiteClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		want retry.Class
	}{
		{"busy", 5, retry.ClassLockContention},
		{"busy snapshot", 517, retry.ClassLockContention},
		{"locked", 6, retry.ClassLockContention},
		{"cantopen", 14, retry.ClassConnection},
		{"constraint", 19, retry.ClassIntegrity},
		{"constraint unique", 2067, retry.ClassIntegrity},
		{"error", 1, retry.ClassMalformed},
		{"readonly", 8, retry.ClassAuth},
		{"interrupt", 9, retry.ClassCanceled},
		{"full", 13, retry.ClassUnknown},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, sqliteClass(tc.code), tc.name)
	}
}

func TestClassifySQLite_Canceled(t *testing.T) {
	t.Parallel()

	for _, cause := range []error{context.Canceled, context.DeadlineExceeded} {
		err := classifySQLite(fmt.Errorf("counting accounts: %w", cause))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, retry.ClassCanceled, retry.ClassOf(err), cause.Error())
		assert.False(t, retry.DefaultPolicy().ShouldRetry(err))
	}
}
