// Package store defines the narrow capability interface the bootstrap steps
// use to reach the target database. Backends live in internal/clients; an
// in-memory implementation for tests lives in internal/store/memstore.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAlreadyExists is returned by Create when another creator won the race.
	ErrAlreadyExists = errors.New("database already exists")

	// ErrAlreadyApplied is returned by ApplyMigration when the ledger already
	// holds the migration id. The migration body was not executed.
	ErrAlreadyApplied = errors.New("migration already applied")
)

// Store is everything the bootstrap sequence needs from the target database.
//
// ApplyMigration must execute the migration body and insert its ledger row in
// one transaction. InsertAccountsIfEmpty must re-check emptiness inside the
// same transaction that inserts, and report false without inserting when any
// account exists.
type Store interface {
	CheckExists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error
	ListAppliedMigrations(ctx context.Context) ([]MigrationRecord, error)
	ApplyMigration(ctx context.Context, m Migration) (MigrationRecord, error)
	AccountCount(ctx context.Context) (int, error)
	InsertAccountsIfEmpty(ctx context.Context, accounts []Account) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Migration is one versioned schema change.
type Migration struct {
	Version int64
	Name    string
	SQL     string
}

// ID is the ledger key, e.g. "0002_account_indexes".
func (m Migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationRecord is one row of the schema_migrations ledger.
type MigrationRecord struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	AppliedAt time.Time `json:"appliedAt"`
}

// ParseMigrationID splits a ledger id or file stem of the form
// "<version>_<name>" into its parts.
func ParseMigrationID(id string) (int64, string, error) {
	num, name, ok := strings.Cut(id, "_")
	if !ok || num == "" || name == "" {
		return 0, "", fmt.Errorf("migration id %q: want <version>_<name>", id)
	}
	v, err := strconv.ParseInt(num, 10, 64)
	if err != nil || v <= 0 {
		return 0, "", fmt.Errorf("migration id %q: version must be a positive integer", id)
	}
	return v, name, nil
}

// Account is a seeded login account.
type Account struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	NormalizedUsername string    `json:"normalizedUsername"`
	Email              string    `json:"email"`
	NormalizedEmail    string    `json:"normalizedEmail"`
	Phone              string    `json:"phone,omitempty"`
	PasswordHash       string    `json:"-"`
	EmailConfirmed     bool      `json:"emailConfirmed"`
	PhoneConfirmed     bool      `json:"phoneConfirmed"`
	SecurityStamp      string    `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
}
