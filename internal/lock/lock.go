// Package lock is a per-key advisory mutex with fencing tokens on top of the
// fast store.
package lock

import (
	"context"
	"errors"
	"expvar"
	"time"

	"wagercore/internal/cache"
	"wagercore/internal/retry"
	"wagercore/internal/wager"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	metricLockAcquired  = expvar.NewInt("lock_acquired_total")
	metricLockContended = expvar.NewInt("lock_contended_total")
	metricLockStale     = expvar.NewInt("lock_stale_release_total")
)

var errHeld = errors.New("lock_held")

// Token proves ownership of a held key.
type Token struct {
	Key   string
	Value string
}

type Mutex struct {
	store  cache.Store
	ttl    time.Duration
	policy retry.Policy
}

func New(store cache.Store, ttl time.Duration, policy retry.Policy) *Mutex {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Mutex{store: store, ttl: ttl, policy: policy}
}

func UserKey(userID string) string { return "lock:user:" + userID }
func RoomKey(roomID string) string { return "lock:room:" + roomID }

// TryAcquire makes a single attempt. ok is false when another holder owns key.
func (m *Mutex) TryAcquire(ctx context.Context, key string) (Token, bool, error) {
	tok := Token{Key: key, Value: uuid.NewString()}
	ok, err := m.store.SetNX(ctx, key, []byte(tok.Value), m.ttl)
	if err != nil {
		return Token{}, false, err
	}
	if !ok {
		return Token{}, false, nil
	}
	metricLockAcquired.Add(1)
	return tok, true, nil
}

// Acquire retries with backoff and gives up with wager.ErrBusy.
func (m *Mutex) Acquire(ctx context.Context, key string) (Token, error) {
	tok, err := retry.Value(ctx, m.policy, func(err error) bool { return errors.Is(err, errHeld) }, func(ctx context.Context) (Token, error) {
		tok, ok, err := m.TryAcquire(ctx, key)
		if err != nil {
			return Token{}, retry.Permanent(err)
		}
		if !ok {
			metricLockContended.Add(1)
			return Token{}, errHeld
		}
		return tok, nil
	})
	if errors.Is(err, errHeld) {
		return Token{}, wager.ErrBusy
	}
	return tok, err
}

// Release deletes key only if tok still owns it. It reports false when the
// lease expired and was taken over.
func (m *Mutex) Release(ctx context.Context, tok Token) (bool, error) {
	ok, err := m.store.DeleteIfEquals(ctx, tok.Key, []byte(tok.Value))
	if err != nil {
		return false, err
	}
	if !ok {
		metricLockStale.Add(1)
	}
	return ok, nil
}

// With runs fn while holding key.
func (m *Mutex) With(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	tok, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// Release must outlive a cancelled request context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if ok, err := m.Release(rctx, tok); err != nil {
			log.Warn().Err(err).Str("key", tok.Key).Msg("lock release failed")
		} else if !ok {
			log.Warn().Str("key", tok.Key).Msg("lock lease expired before release")
		}
	}()
	return fn(ctx)
}
