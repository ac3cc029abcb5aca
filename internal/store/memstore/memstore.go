// Package memstore is an in-memory store.Store with fault injection, used by
// tests across the module.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"arc-framework/ignite/internal/store"
)

// Operation names accepted by FailNext and FailAfterCommit.
const (
	OpCheckExists = "check_exists"
	OpCreate      = "create"
	OpList        = "list_applied"
	OpApply       = "apply_migration"
	OpCount       = "account_count"
	OpInsert      = "insert_accounts"
	OpPing        = "ping"
)

// Store holds all state behind one mutex, which stands in for the
// transactional isolation of a real backend.
type Store struct {
	mu sync.Mutex

	exists     bool
	ledger     map[string]store.MigrationRecord
	executed   []string
	accounts   []store.Account
	closed     bool
	now        func() time.Time
	failBefore map[string][]error
	failAfter  map[string][]error
	calls      map[string]int
}

// New returns an empty store whose database does not exist yet.
func New() *Store {
	return &Store{
		ledger:     make(map[string]store.MigrationRecord),
		now:        time.Now,
		failBefore: make(map[string][]error),
		failAfter:  make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// NewExisting returns a store whose database already exists.
func NewExisting() *Store {
	s := New()
	s.exists = true
	return s
}

// FailNext queues errs to be returned, one per call, by op before it has any
// effect.
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBefore[op] = append(s.failBefore[op], errs...)
}

// FailAfterCommit queues errs to be returned by op after its effect has been
// committed, the way a dropped connection hides a successful commit.
func (s *Store) FailAfterCommit(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter[op] = append(s.failAfter[op], errs...)
}

// Calls reports how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Executed returns migration ids in the order their bodies ran.
func (s *Store) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

// Accounts returns a copy of the stored accounts.
func (s *Store) Accounts() []store.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Account(nil), s.accounts...)
}

// Exists reports whether the database has been created.
func (s *Store) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

// RecordApplied writes a ledger row directly, without running a body. Tests
// use it to set up prior state, including inconsistent state.
func (s *Store) RecordApplied(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		v, _, _ := store.ParseMigrationID(id)
		s.ledger[id] = store.MigrationRecord{ID: id, Version: v, AppliedAt: s.now()}
	}
}

// AddAccount stores an account directly.
func (s *Store) AddAccount(a store.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, a)
}

// enter counts the call and pops an injected pre-effect error. Callers hold mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	return pop(s.failBefore, op)
}

// leave pops an injected post-commit error. Callers hold mu.
func (s *Store) leave(op string) error {
	return pop(s.failAfter, op)
}

func pop(m map[string][]error, op string) error {
	q := m[op]
	if len(q) == 0 {
		return nil
	}
	m[op] = q[1:]
	return q[0]
}

func (s *Store) CheckExists(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCheckExists); err != nil {
		return false, err
	}
	return s.exists, s.leave(OpCheckExists)
}

func (s *Store) Create(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreate); err != nil {
		return err
	}
	if s.exists {
		return store.ErrAlreadyExists
	}
	s.exists = true
	return s.leave(OpCreate)
}

func (s *Store) ListAppliedMigrations(_ context.Context) ([]store.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpList); err != nil {
		return nil, err
	}
	out := make([]store.MigrationRecord, 0, len(s.ledger))
	for _, r := range s.ledger {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, s.leave(OpList)
}

func (s *Store) ApplyMigration(_ context.Context, m store.Migration) (store.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpApply); err != nil {
		return store.MigrationRecord{}, err
	}
	if _, ok := s.ledger[m.ID()]; ok {
		return store.MigrationRecord{}, store.ErrAlreadyApplied
	}
	rec := store.MigrationRecord{ID: m.ID(), Version: m.Version, AppliedAt: s.now().UTC()}
	s.ledger[rec.ID] = rec
	s.executed = append(s.executed, rec.ID)
	return rec, s.leave(OpApply)
}

func (s *Store) AccountCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCount); err != nil {
		return 0, err
	}
	return len(s.accounts), s.leave(OpCount)
}

func (s *Store) InsertAccountsIfEmpty(_ context.Context, accounts []store.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsert); err != nil {
		return false, err
	}
	if len(s.accounts) > 0 {
		return false, nil
	}
	s.accounts = append(s.accounts, accounts...)
	return true, s.leave(OpInsert)
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter(OpPing)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ store.Store = (*Store)(nil)
