// Package bootstrap holds the three idempotent steps of a bootstrap run:
// make sure the database exists, bring its schema up to date, and seed the
// initial account. Each step talks to the database only through store.Store
// and is safe to call again after a partial or complete earlier run.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"arc-framework/ignite/internal/store"
)

// EnsureOutcome reports what Ensure found.
type EnsureOutcome string

const (
	Created       EnsureOutcome = "created"
	AlreadyExists EnsureOutcome = "already-exists"
)

// Ensurer creates the target database when it is missing.
type Ensurer struct {
	store store.Store
}

func NewEnsurer(s store.Store) *Ensurer {
	return &Ensurer{store: s}
}

// Ensure checks for the database and creates it if absent. Losing a creation
// race to a concurrent run is reported as AlreadyExists.
func (e *Ensurer) Ensure(ctx context.Context) (EnsureOutcome, error) {
	exists, err := e.store.CheckExists(ctx)
	if err != nil {
		return "", fmt.Errorf("checking database: %w", err)
	}
	if exists {
		return AlreadyExists, nil
	}

	if err := e.store.Create(ctx); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return AlreadyExists, nil
		}
		return "", fmt.Errorf("creating database: %w", err)
	}
	return Created, nil
}
