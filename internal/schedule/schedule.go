// Package schedule is a durable, key-addressed deferred-callback queue. Every
// task is written to the system of record first; the in-memory timer only
// makes it fire on time, and the poller picks up whatever a crash dropped.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"sync"
	"time"

	"wagercore/internal/retry"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

var (
	metricTasksFired   = expvar.NewInt("tasks_fired_total")
	metricTasksFailed  = expvar.NewInt("tasks_failed_total")
	metricTasksDropped = expvar.NewInt("tasks_dropped_total")
)

type Handler func(ctx context.Context, t *wager.Task) error

type Config struct {
	// Lease is how long a claimed task stays invisible to other claimers.
	Lease       time.Duration
	Retry       retry.Policy
	MaxAttempts int
	BatchSize   int
	// DisableTimers leaves firing to RunDue only.
	DisableTimers bool
}

type Scheduler struct {
	repo wager.TaskRepository
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	stopped  bool
}

func New(repo wager.TaskRepository, cfg Config) *Scheduler {
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		repo:     repo,
		cfg:      cfg,
		now:      time.Now,
		handlers: map[string]Handler{},
		timers:   map[string]*time.Timer{},
	}
}

func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

func (s *Scheduler) Handle(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Schedule persists a run of kind under key after delay, replacing any
// pending run with the same key.
func (s *Scheduler) Schedule(ctx context.Context, kind, key string, delay time.Duration, payload any) error {
	return s.ScheduleTx(ctx, s.repo, kind, key, delay, payload)
}

// ScheduleTx is Schedule inside the caller's transaction. A timer that fires
// before the commit finds nothing to claim and the poller picks the task up.
func (s *Scheduler) ScheduleTx(ctx context.Context, tx wager.TaskRepository, kind, key string, delay time.Duration, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	if delay < 0 {
		delay = 0
	}
	t := &wager.Task{Kind: kind, Key: key, Payload: raw, RunAt: s.now().Add(delay)}
	if err := tx.UpsertTask(ctx, t); err != nil {
		return err
	}
	s.arm(key, delay)
	return nil
}

func (s *Scheduler) arm(key string, delay time.Duration) {
	if s.cfg.DisableTimers {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old := s.timers[key]; old != nil {
		old.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key) })
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	delete(s.timers, key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Lease)
	defer cancel()
	t, err := s.repo.ClaimTask(ctx, key, s.now(), s.cfg.Lease)
	if errors.Is(err, wager.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("task_key", key).Msg("claim task failed; poller will retry")
		return
	}
	s.execute(ctx, t)
}

// RunDue claims and runs every task whose time has come. It returns how many
// tasks ran.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	tasks, err := s.repo.ClaimDueTasks(ctx, s.now(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		s.execute(ctx, t)
	}
	return len(tasks), nil
}

func (s *Scheduler) execute(ctx context.Context, t *wager.Task) {
	metricTasksFired.Add(1)
	s.mu.Lock()
	h := s.handlers[t.Kind]
	s.mu.Unlock()

	var err error
	if h == nil {
		err = retry.Permanent(errors.New("no handler for task kind " + t.Kind))
	} else {
		err = h(ctx, t)
	}
	if err == nil {
		if err := s.repo.DeleteTask(ctx, t.ID); err != nil {
			log.Warn().Err(err).Str("task_key", t.Key).Msg("delete finished task failed")
		}
		return
	}

	metricTasksFailed.Add(1)
	if retry.IsPermanent(err) || t.Attempts >= s.cfg.MaxAttempts {
		metricTasksDropped.Add(1)
		log.Error().Err(err).Str("task_kind", t.Kind).Str("task_key", t.Key).Int("attempts", t.Attempts).Msg("task dropped")
		if err := s.repo.DeleteTask(ctx, t.ID); err != nil {
			log.Warn().Err(err).Str("task_key", t.Key).Msg("delete dropped task failed")
		}
		return
	}
	delay := s.cfg.Retry.Delay(t.Attempts - 1)
	var after retryAfterError
	if errors.As(err, &after) {
		delay = after.after
	}
	log.Warn().Err(err).Str("task_kind", t.Kind).Str("task_key", t.Key).Dur("retry_in", delay).Msg("task failed")
	if err := s.repo.RescheduleTask(ctx, t.ID, s.now().Add(delay), err.Error()); err != nil {
		log.Warn().Err(err).Str("task_key", t.Key).Msg("reschedule task failed; lease expiry will retry")
		return
	}
	s.arm(t.Key, delay)
}

// Run polls for due tasks until ctx is done, then stops pending timers.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("task poll failed")
			}
		}
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

// RetryAfter asks the scheduler to run the task again after d instead of the
// backoff delay. The attempt still counts toward MaxAttempts.
func RetryAfter(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: d}
}

// Decode unmarshals a task payload.
func Decode[T any](t *wager.Task) (T, error) {
	var v T
	if len(t.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(t.Payload, &v)
	return v, err
}
