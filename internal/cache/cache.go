// Package cache is the fast store: the low-latency, non-authoritative copy of
// session state plus the primitives the mutex and nonce counters need.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMiss       = errors.New("cache_miss")
	ErrTxConflict = errors.New("cache_tx_conflict")
)

// SwapFunc computes the next value from the current one. current is nil when
// the key is absent; returning nil deletes the key.
type SwapFunc func(current []byte) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// SetNX stores val only when key is absent.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// DeleteIfEquals removes key only while it still holds val.
	DeleteIfEquals(ctx context.Context, key string, val []byte) (bool, error)
	// CompareAndSwap makes one watched read-modify-write attempt and returns
	// ErrTxConflict when key changed in between. Errors from fn are returned
	// as-is and nothing is written.
	CompareAndSwap(ctx context.Context, key string, ttl time.Duration, fn SwapFunc) error
	Incr(ctx context.Context, key string) (int64, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
}
