// Package retry is the bounded-retry combinator shared by the mutex, the
// CAS loops and the payout queue.
package retry

import (
	"context"
	"expvar"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

var metricRetryAttempts = expvar.NewInt("retry_attempts_total")

// Policy bounds a retry loop. Attempts counts every call, the first included.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Classifier reports whether err is worth another attempt.
type Classifier func(error) bool

// Always retries everything not marked Permanent.
func Always(error) bool { return true }

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 10 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Delay is the un-jittered wait before attempt n (0-based) of a durable
// retry, used where the wait is persisted instead of slept.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 0 {
		n = 0
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	return b
}

// Do runs op until it succeeds, returns an error the classifier rejects, or
// the policy runs out of attempts. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	if retryable == nil {
		retryable = Always
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) || !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metricRetryAttempts.Add(1)
			log.Debug().Err(err).Dur("wait", wait).Msg("retrying")
		}),
	)
}
