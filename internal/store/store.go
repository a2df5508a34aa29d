package store

import (
	"context"
	"time"

	"wagercore/internal/wager"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps DB access.
type Store struct {
	Pool *pgxpool.Pool
	*Queries
}

var _ wager.Store = (*Store)(nil)

func New(dsn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool, Queries: NewQueries(pool)}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// WithinTx runs fn in one transaction. Any error rolls everything back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx wager.Repository) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Debit outside a caller transaction still locks, updates and journals
// atomically.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, e wager.Entry) (int64, error) {
	var bal int64
	err := s.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		var err error
		bal, err = tx.Debit(ctx, userID, amount, e)
		return err
	})
	return bal, err
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64, e wager.Entry) (int64, error) {
	var bal int64
	err := s.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		var err error
		bal, err = tx.Credit(ctx, userID, amount, e)
		return err
	})
	return bal, err
}
