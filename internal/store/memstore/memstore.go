// Package memstore is an in-process wager.Store. Transactions hold a single
// store-wide lock and work on a copy of the state that replaces the original
// only on success.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"wagercore/internal/wager"
)

type LedgerEntry struct {
	ID      string
	UserID  string
	Type    string
	Amount  int64
	RefType string
	RefID   string
}

type state struct {
	accounts map[string]wager.Account
	entries  []LedgerEntry
	sessions map[string][]byte
	rooms    map[string][]byte
	history  []wager.HistoryRecord
	payouts  map[string]wager.PendingPayout
	tasks    map[string]wager.Task
	cases    map[string][]byte
}

func (s *state) clone() *state {
	return &state{
		accounts: maps.Clone(s.accounts),
		entries:  append([]LedgerEntry(nil), s.entries...),
		sessions: maps.Clone(s.sessions),
		rooms:    maps.Clone(s.rooms),
		history:  append([]wager.HistoryRecord(nil), s.history...),
		payouts:  maps.Clone(s.payouts),
		tasks:    maps.Clone(s.tasks),
		cases:    maps.Clone(s.cases),
	}
}

type Store struct {
	mu     sync.Mutex
	st     *state
	now    func() time.Time
	faults map[string]error
}

var _ wager.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		st: &state{
			accounts: map[string]wager.Account{},
			sessions: map[string][]byte{},
			rooms:    map[string][]byte{},
			payouts:  map[string]wager.PendingPayout{},
			tasks:    map[string]wager.Task{},
			cases:    map[string][]byte{},
		},
		now:    time.Now,
		faults: map[string]error{},
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// FailNext makes the next call to the named repository method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	s.faults[method] = err
	s.mu.Unlock()
}

func (s *Store) repo(st *state) *repo {
	return &repo{st: st, now: s.now, faults: s.faults}
}

// do runs fn against the live state under the store lock.
func (s *Store) do(fn func(r *repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.st.clone()
	if err := fn(s.repo(tx)); err != nil {
		return err
	}
	s.st = tx
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx wager.Repository) error) error {
	return s.do(func(r *repo) error { return fn(ctx, r) })
}

func (s *Store) Ping(context.Context) error { return nil }

// PutAccount creates or replaces an account.
func (s *Store) PutAccount(userID string, balance int64, walletType string) {
	_ = s.do(func(r *repo) error {
		r.st.accounts[userID] = wager.Account{UserID: userID, Balance: balance, WalletType: walletType, UpdatedAt: r.now()}
		return nil
	})
}

func (s *Store) PutCase(c *wager.Case) {
	_ = s.do(func(r *repo) error { return r.putCase(c) })
}

// Balance returns the balance of userID, or -1 when there is no account.
func (s *Store) Balance(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[userID]
	if !ok {
		return -1
	}
	return a.Balance
}

func (s *Store) Entries(userID string) []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.st.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) AllHistory() []wager.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wager.HistoryRecord(nil), s.st.history...)
}

func (s *Store) AllPayouts() []wager.PendingPayout {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wager.PendingPayout, 0, len(s.st.payouts))
	for _, p := range s.st.payouts {
		out = append(out, p)
	}
	return out
}

func (s *Store) AllTasks() []wager.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wager.Task, 0, len(s.st.tasks))
	for _, t := range s.st.tasks {
		out = append(out, t)
	}
	return out
}
