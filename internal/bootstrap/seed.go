package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"arc-framework/ignite/internal/retry"
	"arc-framework/ignite/internal/store"
)

// SeedOutcome reports what SeedIfEmpty did.
type SeedOutcome string

const (
	Seeded         SeedOutcome = "seeded"
	AlreadyPresent SeedOutcome = "already-present"
)

// AccountSpec describes one account to seed.
type AccountSpec struct {
	Username string
	Email    string
	Phone    string
	Password string
}

// Seeder inserts the configured bootstrap accounts into an empty account
// store.
type Seeder struct {
	store  store.Store
	specs  []AccountSpec
	hasher PasswordHasher
	newID  func() string
	now    func() time.Time
}

// NewSeeder validates specs and returns a Seeder. Usernames must be unique
// after normalisation and every account needs a password.
func NewSeeder(s store.Store, specs []AccountSpec, hasher PasswordHasher) (*Seeder, error) {
	if len(specs) == 0 {
		return nil, errors.New("no seed accounts configured")
	}
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if strings.TrimSpace(spec.Username) == "" {
			return nil, fmt.Errorf("seed account %d: username is required", i)
		}
		if spec.Password == "" {
			return nil, fmt.Errorf("seed account %q: password is required", spec.Username)
		}
		key := Normalize(spec.Username)
		if seen[key] {
			return nil, fmt.Errorf("seed account %q: duplicate username", spec.Username)
		}
		seen[key] = true
	}
	if hasher == nil {
		hasher = NewPBKDF2Hasher()
	}
	return &Seeder{
		store:  s,
		specs:  specs,
		hasher: hasher,
		newID:  func() string { return uuid.NewString() },
		now:    time.Now,
	}, nil
}

// SeedIfEmpty inserts every configured account when, and only when, the
// account store is empty. The emptiness check that decides is the one made by
// the store inside the inserting transaction; the count taken here only skips
// hashing work on the common already-seeded path.
func (s *Seeder) SeedIfEmpty(ctx context.Context) (SeedOutcome, error) {
	n, err := s.store.AccountCount(ctx)
	if err != nil {
		return "", fmt.Errorf("counting accounts: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "accounts already present, skipping seed", "count", n)
		return AlreadyPresent, nil
	}

	accounts, err := s.build()
	if err != nil {
		return "", err
	}

	inserted, err := s.store.InsertAccountsIfEmpty(ctx, accounts)
	if err != nil {
		return "", fmt.Errorf("inserting seed accounts: %w", err)
	}
	if !inserted {
		slog.InfoContext(ctx, "accounts appeared concurrently, skipping seed")
		return AlreadyPresent, nil
	}

	for _, a := range accounts {
		slog.InfoContext(ctx, "seeded account", "username", a.Username, "id", a.ID)
	}
	return Seeded, nil
}

func (s *Seeder) build() ([]store.Account, error) {
	now := s.now().UTC()
	out := make([]store.Account, 0, len(s.specs))
	for _, spec := range s.specs {
		hash, err := s.hasher.Hash(spec.Password)
		if err != nil {
			return nil, retry.Mark(retry.ClassMalformed, fmt.Errorf("hashing password for %q: %w", spec.Username, err))
		}

		email := spec.Email
		if email == "" && strings.Contains(spec.Username, "@") {
			email = spec.Username
		}
		out = append(out, store.Account{
			ID:                 s.newID(),
			Username:           strings.TrimSpace(spec.Username),
			NormalizedUsername: Normalize(spec.Username),
			Email:              strings.TrimSpace(email),
			NormalizedEmail:    Normalize(email),
			Phone:              spec.Phone,
			PasswordHash:       hash,
			EmailConfirmed:     email != "",
			PhoneConfirmed:     spec.Phone != "",
			SecurityStamp:      uuid.NewString(),
			CreatedAt:          now,
		})
	}
	return out, nil
}
