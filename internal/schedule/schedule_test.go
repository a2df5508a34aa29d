package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"wagercore/internal/retry"
	"wagercore/internal/store/memstore"
	"wagercore/internal/wager"
)

type payload struct {
	RoomID string `json:"room_id"`
}

func newManual(t *testing.T) (*Scheduler, *memstore.Store, *time.Time) {
	t.Helper()
	st := memstore.New()
	now := time.Now()
	s := New(st, Config{
		Lease:         time.Minute,
		Retry:         retry.Policy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2},
		MaxAttempts:   3,
		DisableTimers: true,
	})
	s.SetClock(func() time.Time { return now })
	return s, st, &now
}

func TestRunDueFiresOnceAndDeletes(t *testing.T) {
	s, st, now := newManual(t)
	ctx := context.Background()
	var got []string
	s.Handle("battles.start", func(ctx context.Context, task *wager.Task) error {
		p, err := Decode[payload](task)
		got = append(got, p.RoomID)
		return err
	})
	if err := s.Schedule(ctx, "battles.start", "battles.start:r1", 2*time.Second, payload{RoomID: "r1"}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if n, _ := s.RunDue(ctx); n != 0 {
		t.Fatalf("RunDue() before due ran %d tasks", n)
	}
	*now = now.Add(3 * time.Second)
	if n, err := s.RunDue(ctx); err != nil || n != 1 {
		t.Fatalf("RunDue() = %d, %v; want 1", n, err)
	}
	if len(got) != 1 || got[0] != "r1" {
		t.Fatalf("handler payloads = %v", got)
	}
	if tasks := st.AllTasks(); len(tasks) != 0 {
		t.Fatalf("tasks left = %d, want 0", len(tasks))
	}
}

func TestFailedTaskBacksOffThenDrops(t *testing.T) {
	s, st, now := newManual(t)
	ctx := context.Background()
	var calls int32
	s.Handle("k", func(context.Context, *wager.Task) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("transient")
	})
	_ = s.Schedule(ctx, "k", "k:1", 0, nil)

	s.RunDue(ctx)
	tasks := st.AllTasks()
	if len(tasks) != 1 || tasks[0].LastError != "transient" {
		t.Fatalf("tasks after failure = %+v", tasks)
	}
	if !tasks[0].RunAt.Equal(now.Add(time.Second)) {
		t.Fatalf("RunAt = %v, want now+1s", tasks[0].RunAt)
	}
	if n, _ := s.RunDue(ctx); n != 0 {
		t.Fatal("task ran before its backoff elapsed")
	}
	*now = now.Add(time.Second)
	s.RunDue(ctx)
	*now = now.Add(2 * time.Second)
	s.RunDue(ctx)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if tasks := st.AllTasks(); len(tasks) != 0 {
		t.Fatalf("task not dropped after MaxAttempts: %+v", tasks)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	s, st, now := newManual(t)
	ctx := context.Background()
	var calls int32
	s.Handle("k", func(context.Context, *wager.Task) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return RetryAfter(30*time.Second, errors.New("busy"))
		}
		return nil
	})
	_ = s.Schedule(ctx, "k", "k:1", 0, nil)

	s.RunDue(ctx)
	tasks := st.AllTasks()
	if len(tasks) != 1 || !tasks[0].RunAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("tasks after busy = %+v, want one due at now+30s", tasks)
	}
	*now = now.Add(29 * time.Second)
	if n, _ := s.RunDue(ctx); n != 0 {
		t.Fatal("task ran before its requested delay")
	}
	*now = now.Add(time.Second)
	s.RunDue(ctx)
	if calls != 2 || len(st.AllTasks()) != 0 {
		t.Fatalf("calls = %d tasks = %d, want 2 and 0", calls, len(st.AllTasks()))
	}
}

func TestPermanentErrorDropsImmediately(t *testing.T) {
	s, st, _ := newManual(t)
	ctx := context.Background()
	s.Handle("k", func(context.Context, *wager.Task) error { return retry.Permanent(errors.New("bad payload")) })
	_ = s.Schedule(ctx, "k", "k:1", 0, nil)
	s.RunDue(ctx)
	if tasks := st.AllTasks(); len(tasks) != 0 {
		t.Fatalf("tasks = %d, want 0", len(tasks))
	}
}

func TestRescheduleReplacesPendingRun(t *testing.T) {
	s, st, now := newManual(t)
	ctx := context.Background()
	var calls int32
	s.Handle("k", func(context.Context, *wager.Task) error { atomic.AddInt32(&calls, 1); return nil })
	_ = s.Schedule(ctx, "k", "k:1", time.Second, nil)
	_ = s.Schedule(ctx, "k", "k:1", 5*time.Second, nil)
	if len(st.AllTasks()) != 1 {
		t.Fatal("same key scheduled twice")
	}
	*now = now.Add(2 * time.Second)
	s.RunDue(ctx)
	if calls != 0 {
		t.Fatal("replaced run fired")
	}
	*now = now.Add(4 * time.Second)
	s.RunDue(ctx)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestTimerFires(t *testing.T) {
	st := memstore.New()
	s := New(st, Config{Lease: time.Second})
	defer s.Stop()
	done := make(chan struct{})
	s.Handle("k", func(context.Context, *wager.Task) error { close(done); return nil })
	if err := s.Schedule(context.Background(), "k", "k:1", 10*time.Millisecond, nil); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestScheduleTxRollsBackWithTransaction(t *testing.T) {
	s, st, _ := newManual(t)
	ctx := context.Background()
	err := st.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		if err := s.ScheduleTx(ctx, tx, "k", "k:1", 0, nil); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("WithinTx() error = nil")
	}
	if n := len(st.AllTasks()); n != 0 {
		t.Fatalf("tasks = %d, want 0", n)
	}
}
