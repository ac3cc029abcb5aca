package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"arc-framework/ignite/internal/retry"
	"arc-framework/ignite/internal/store"
)

var (
	// ErrMigrationGap means the ledger records a migration while an earlier
	// one is missing.
	ErrMigrationGap = errors.New("migration ledger has a gap")

	// ErrUnknownMigration means the ledger records a migration this binary
	// does not ship.
	ErrUnknownMigration = errors.New("migration ledger records an unknown migration")
)

// AppliedSet is what one Run did.
type AppliedSet struct {
	Applied []store.MigrationRecord `json:"applied"`
	// Skipped counts migrations found already recorded, either before the run
	// or by a concurrent runner during it.
	Skipped int `json:"skipped"`
}

// IDs lists the applied migration ids in order.
func (a AppliedSet) IDs() []string {
	ids := make([]string, len(a.Applied))
	for i, r := range a.Applied {
		ids[i] = r.ID
	}
	return ids
}

// MigrationRunner applies the known migration set in version order.
type MigrationRunner struct {
	store      store.Store
	migrations []store.Migration
}

// NewMigrationRunner sorts migrations by version and rejects duplicates.
func NewMigrationRunner(s store.Store, migrations []store.Migration) (*MigrationRunner, error) {
	sorted, err := SortMigrations(migrations)
	if err != nil {
		return nil, err
	}
	return &MigrationRunner{store: s, migrations: sorted}, nil
}

// Pending returns the migrations not yet in the ledger, in the order they
// must be applied. It fails with an integrity error when the ledger is not a
// prefix of the known set.
func (r *MigrationRunner) Pending(ctx context.Context) ([]store.Migration, int, error) {
	records, err := r.store.ListAppliedMigrations(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("listing applied migrations: %w", err)
	}

	known := make(map[string]bool, len(r.migrations))
	for _, m := range r.migrations {
		known[m.ID()] = true
	}
	applied := make(map[string]bool, len(records))
	for _, rec := range records {
		if !known[rec.ID] {
			return nil, 0, retry.Integrity(fmt.Errorf("%w: %s", ErrUnknownMigration, rec.ID))
		}
		applied[rec.ID] = true
	}

	// The applied set must be exactly the first len(applied) known migrations.
	firstPending := -1
	for i, m := range r.migrations {
		switch {
		case !applied[m.ID()] && firstPending < 0:
			firstPending = i
		case applied[m.ID()] && firstPending >= 0:
			return nil, 0, retry.Integrity(fmt.Errorf("%w: %s is recorded but %s is not",
				ErrMigrationGap, m.ID(), r.migrations[firstPending].ID()))
		}
	}
	if firstPending < 0 {
		return nil, len(applied), nil
	}
	return r.migrations[firstPending:], len(applied), nil
}

// Run applies every pending migration in ascending version order. Running it
// when the ledger is complete does nothing.
func (r *MigrationRunner) Run(ctx context.Context) (AppliedSet, error) {
	pending, skipped, err := r.Pending(ctx)
	if err != nil {
		return AppliedSet{}, err
	}

	set := AppliedSet{Applied: []store.MigrationRecord{}, Skipped: skipped}
	if len(pending) == 0 {
		slog.InfoContext(ctx, "schema up to date", "migrations", len(r.migrations))
		return set, nil
	}

	for _, m := range pending {
		rec, err := r.store.ApplyMigration(ctx, m)
		if errors.Is(err, store.ErrAlreadyApplied) {
			slog.InfoContext(ctx, "migration applied concurrently", "migration", m.ID())
			set.Skipped++
			continue
		}
		if err != nil {
			return set, fmt.Errorf("applying migration %s: %w", m.ID(), err)
		}
		slog.InfoContext(ctx, "migration applied", "migration", rec.ID)
		set.Applied = append(set.Applied, rec)
	}
	return set, nil
}
