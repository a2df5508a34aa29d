// Package payout persists settlement intents before any balance moves and
// drives them to completed or failed.
package payout

import (
	"context"
	"errors"
	"expvar"
	"sync"
	"time"

	"wagercore/internal/ledger"
	"wagercore/internal/retry"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

var (
	metricPayoutsCompleted = expvar.NewInt("payouts_completed_total")
	metricPayoutsFailed    = expvar.NewInt("payouts_failed_total")
	metricPayoutsRetried   = expvar.NewInt("payouts_retried_total")
	metricPayoutsPurged    = expvar.NewInt("payouts_purged_total")
)

var errLeaseLost = errors.New("payout lease lost")

// Completer applies a payout inside tx. It must derive everything it does
// from the stored record.
type Completer func(ctx context.Context, tx wager.Repository, p *wager.PendingPayout) error

// CreditCompleter credits PayoutAmount to the user.
func CreditCompleter(ctx context.Context, tx wager.Repository, p *wager.PendingPayout) error {
	if p.PayoutAmount <= 0 {
		return nil
	}
	_, err := ledger.New(tx).CreditPayout(ctx, p.UserID, p.GameKind, p.ID, p.PayoutAmount)
	return err
}

type Config struct {
	MaxRetries int
	Backoff    retry.Policy
	Retention  time.Duration
	// Lease hides a processing record from other workers.
	Lease     time.Duration
	BatchSize int
}

type Queue struct {
	store wager.Store
	cfg   Config
	now   func() time.Time

	mu         sync.RWMutex
	completers map[wager.GameKind]Completer
}

func New(store wager.Store, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 72 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Queue{store: store, cfg: cfg, now: time.Now, completers: map[wager.GameKind]Completer{}}
}

func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Register overrides the completer for one game kind.
func (q *Queue) Register(kind wager.GameKind, c Completer) {
	q.mu.Lock()
	q.completers[kind] = c
	q.mu.Unlock()
}

func (q *Queue) completer(kind wager.GameKind) Completer {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if c, ok := q.completers[kind]; ok {
		return c
	}
	return CreditCompleter
}

// Enqueue records p as pending inside the caller's transaction.
func (q *Queue) Enqueue(ctx context.Context, tx wager.Repository, p *wager.PendingPayout) error {
	now := q.now().UTC()
	p.Status = wager.PayoutPending
	p.ScheduledFor = now
	p.ExpiresAt = now.Add(q.cfg.Retention)
	p.RetryCount = 0
	p.LeaseID = ""
	return tx.InsertPayout(ctx, p)
}

// NonRetryable reports whether err will fail the same way on every retry.
func NonRetryable(err error) bool {
	return retry.IsPermanent(err) ||
		errors.Is(err, wager.ErrInsufficientBalance) ||
		errors.Is(err, wager.ErrInvalidUser) ||
		errors.Is(err, wager.ErrInvalidTarget) ||
		errors.Is(err, wager.ErrAlreadyClaimed)
}

// ProcessOne attempts the payout with the given id and returns the record as
// it stands afterwards. Records that are terminal, not yet due, or leased by
// another worker are returned untouched.
func (q *Queue) ProcessOne(ctx context.Context, id string) (*wager.PendingPayout, error) {
	lease := wager.NewID()
	var claimed *wager.PendingPayout
	err := q.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		p, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		claimed = p
		if p.Terminal() || p.ScheduledFor.After(q.now()) {
			return nil
		}
		p.Status = wager.PayoutProcessing
		p.LeaseID = lease
		p.ScheduledFor = q.now().UTC().Add(q.cfg.Lease)
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	if claimed.LeaseID != lease {
		return claimed, nil
	}

	var done *wager.PendingPayout
	err = q.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		p, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != wager.PayoutProcessing || p.LeaseID != lease {
			return errLeaseLost
		}
		if err := q.completer(p.GameKind)(ctx, tx, p); err != nil {
			return err
		}
		p.Status = wager.PayoutCompleted
		p.LeaseID = ""
		p.FailureReason = ""
		done = p
		return tx.UpdatePayout(ctx, p)
	})
	switch {
	case err == nil:
		metricPayoutsCompleted.Add(1)
		log.Info().Str("payout_id", id).Str("user_id", done.UserID).Int64("amount", done.PayoutAmount).Msg("payout completed")
		return done, nil
	case errors.Is(err, errLeaseLost):
		return q.store.GetPayout(ctx, id)
	}
	return q.recordFailure(ctx, id, lease, err)
}

func (q *Queue) recordFailure(ctx context.Context, id, lease string, cause error) (*wager.PendingPayout, error) {
	var out *wager.PendingPayout
	err := q.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		p, err := tx.LockPayout(ctx, id)
		if err != nil {
			return err
		}
		out = p
		if p.Status != wager.PayoutProcessing || p.LeaseID != lease {
			return nil
		}
		p.LeaseID = ""
		p.FailureReason = cause.Error()
		if NonRetryable(cause) {
			p.Status = wager.PayoutFailed
		} else {
			p.RetryCount++
			if p.RetryCount >= q.cfg.MaxRetries {
				p.Status = wager.PayoutFailed
			} else {
				p.Status = wager.PayoutPending
				p.ScheduledFor = q.now().UTC().Add(q.cfg.Backoff.Delay(p.RetryCount - 1))
			}
		}
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Str("payout_id", id).Msg("record payout failure")
		return nil, err
	}
	switch out.Status {
	case wager.PayoutFailed:
		metricPayoutsFailed.Add(1)
		log.Error().Err(cause).Str("payout_id", id).Str("user_id", out.UserID).Int("retries", out.RetryCount).Msg("payout failed")
	case wager.PayoutPending:
		metricPayoutsRetried.Add(1)
		log.Warn().Err(cause).Str("payout_id", id).Time("next_attempt", out.ScheduledFor).Msg("payout rescheduled")
	}
	return out, nil
}

// Process attempts every due record once. It returns how many were looked at.
func (q *Queue) Process(ctx context.Context) (int, error) {
	due, err := q.store.DuePayouts(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if _, err := q.ProcessOne(ctx, p.ID); err != nil {
			log.Warn().Err(err).Str("payout_id", p.ID).Msg("process payout")
		}
	}
	return len(due), nil
}

// Purge drops records past their retention window whatever their status.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.PurgePayouts(ctx, q.now())
	if err == nil && n > 0 {
		metricPayoutsPurged.Add(n)
		log.Info().Int64("purged", n).Msg("expired payouts purged")
	}
	return n, err
}

// Run processes and purges on every tick until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Process(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("payout poll failed")
			}
			if _, err := q.Purge(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("payout purge failed")
			}
		}
	}
}
