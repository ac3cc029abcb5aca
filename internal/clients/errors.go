package clients

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"arc-framework/ignite/internal/retry"
)

// classifyPostgres marks a pgx error with its retry class. SQLSTATE codes are
// authoritative; connection setup failures and timeouts are transient.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var ce *retry.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retry.Mark(postgresClass(pgErr.Code), err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if pgconn.Timeout(err) {
		return retry.Mark(retry.ClassTimeout, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return retry.Mark(retry.ClassConnection, err)
	}
	if pgconn.SafeToRetry(err) {
		return retry.Mark(retry.ClassConnection, err)
	}
	return err
}

func postgresClass(code string) retry.Class {
	switch code {
	case "40P01":
		return retry.ClassDeadlock
	case "40001":
		return retry.ClassSerialization
	case "55P03":
		return retry.ClassLockContention
	case "57P01", "57P02", "57P03", "53300":
		// admin_shutdown, crash_shutdown, cannot_connect_now, too_many_connections
		return retry.ClassConnection
	}
	switch {
	case strings.HasPrefix(code, "08"):
		return retry.ClassConnection
	case strings.HasPrefix(code, "28"):
		return retry.ClassAuth
	case strings.HasPrefix(code, "23"):
		return retry.ClassIntegrity
	case strings.HasPrefix(code, "42"):
		return retry.ClassMalformed
	}
	return retry.ClassUnknown
}

// classifySQLite marks a modernc sqlite error with its retry class by primary
// result code.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var ce *retry.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return retry.Mark(sqliteClass(se.Code()), err)
	}
	return err
}

func sqliteClass(code int) retry.Class {
	switch code & 0xff {
	case sqlite3.SQLITE_INTERRUPT:
		// The driver interrupts the statement when its context is done.
		return retry.ClassCanceled
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return retry.ClassLockContention
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
		return retry.ClassConnection
	case sqlite3.SQLITE_CONSTRAINT:
		return retry.ClassIntegrity
	case sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY:
		return retry.ClassAuth
	case sqlite3.SQLITE_ERROR:
		return retry.ClassMalformed
	}
	return retry.ClassUnknown
}
