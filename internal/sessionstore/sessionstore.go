// Package sessionstore keeps game documents in the fast store in front of the
// durable store. The durable store is authoritative: a miss is reloaded from
// it and the cache is repopulated best-effort.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"time"

	"wagercore/internal/cache"
	"wagercore/internal/retry"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

var (
	metricCacheHit     = expvar.NewInt("session_cache_hit_total")
	metricCacheMiss    = expvar.NewInt("session_cache_miss_total")
	metricCASConflicts = expvar.NewInt("session_cas_conflicts_total")
)

// Loader reads the authoritative copy. It returns wager.ErrNotFound when
// there is none.
type Loader[T any] func(ctx context.Context, id string) (*T, error)

type Store[T any] struct {
	cache  cache.Store
	prefix string
	ttl    time.Duration
	load   Loader[T]
	policy retry.Policy
}

func New[T any](c cache.Store, prefix string, ttl time.Duration, load Loader[T], policy retry.Policy) *Store[T] {
	return &Store[T]{cache: c, prefix: prefix, ttl: ttl, load: load, policy: policy}
}

func (s *Store[T]) Key(id string) string { return s.prefix + id }

func (s *Store[T]) Get(ctx context.Context, id string) (*T, error) {
	b, err := s.cache.Get(ctx, s.Key(id))
	if err == nil {
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			metricCacheHit.Add(1)
			return &v, nil
		}
		log.Warn().Str("key", s.Key(id)).Msg("dropping undecodable cache entry")
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("key", s.Key(id)).Msg("cache read failed")
	}
	metricCacheMiss.Add(1)

	v, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, id, v); err != nil {
		log.Warn().Err(err).Str("key", s.Key(id)).Msg("cache repopulate failed")
	}
	return v, nil
}

// Set refreshes the cached copy. Callers write it only after the durable
// commit.
func (s *Store[T]) Set(ctx context.Context, id string, v *T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Key(id), err)
	}
	return s.cache.Set(ctx, s.Key(id), b, s.ttl)
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	return s.cache.Delete(ctx, s.Key(id))
}

// Update applies fn through a watched compare-and-swap on the cached copy,
// retrying on conflict. fn may run several times and must be free of side
// effects; any error it returns aborts the update and is passed through.
// A missing cache entry is seeded from the durable store inside the swap.
func (s *Store[T]) Update(ctx context.Context, id string, fn func(v *T) error) (*T, error) {
	out, err := retry.Value(ctx, s.policy, func(err error) bool { return errors.Is(err, cache.ErrTxConflict) }, func(ctx context.Context) (*T, error) {
		var result *T
		err := s.cache.CompareAndSwap(ctx, s.Key(id), s.ttl, func(cur []byte) ([]byte, error) {
			v, err := s.decodeOrLoad(ctx, id, cur)
			if err != nil {
				return nil, err
			}
			if err := fn(v); err != nil {
				return nil, err
			}
			result = v
			return json.Marshal(v)
		})
		if errors.Is(err, cache.ErrTxConflict) {
			metricCASConflicts.Add(1)
		}
		return result, err
	})
	if errors.Is(err, cache.ErrTxConflict) {
		return nil, wager.ErrBusy
	}
	return out, err
}

func (s *Store[T]) decodeOrLoad(ctx context.Context, id string, cur []byte) (*T, error) {
	if cur != nil {
		var v T
		if err := json.Unmarshal(cur, &v); err == nil {
			return &v, nil
		}
	}
	return s.load(ctx, id)
}
