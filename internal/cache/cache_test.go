package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wagercore/internal/testutil"
)

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(), "mem")
}

func TestRedisStore(t *testing.T) {
	client := testutil.OpenTestRedis(t)
	exerciseStore(t, NewRedis(client), fmt.Sprintf("test:%d", time.Now().UnixNano()))
}

func exerciseStore(t *testing.T, s Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	key := prefix + ":k"

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get(missing) error = %v, want ErrMiss", err)
	}
	if err := s.Set(ctx, key, []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, err := s.Get(ctx, key); err != nil || string(got) != "v1" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	ok, err := s.SetNX(ctx, key, []byte("other"), time.Minute)
	if err != nil || ok {
		t.Fatalf("SetNX(existing) = %v, %v; want false", ok, err)
	}
	if ok, _ := s.DeleteIfEquals(ctx, key, []byte("nope")); ok {
		t.Fatal("DeleteIfEquals deleted with wrong value")
	}
	if ok, _ := s.DeleteIfEquals(ctx, key, []byte("v1")); !ok {
		t.Fatal("DeleteIfEquals did not delete with matching value")
	}

	err = s.CompareAndSwap(ctx, key, time.Minute, func(cur []byte) ([]byte, error) {
		if cur != nil {
			return nil, fmt.Errorf("expected nil current, got %q", cur)
		}
		return []byte("swapped"), nil
	})
	if err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	err = s.CompareAndSwap(ctx, key, time.Minute, func(cur []byte) ([]byte, error) {
		_ = s.Set(ctx, key, []byte("interloper"), time.Minute)
		return []byte("mine"), nil
	})
	if !errors.Is(err, ErrTxConflict) {
		t.Fatalf("CompareAndSwap(conflict) error = %v, want ErrTxConflict", err)
	}
	if got, _ := s.Get(ctx, key); string(got) != "interloper" {
		t.Fatalf("value after conflict = %q, want interloper", got)
	}
	abort := errors.New("abort")
	if err := s.CompareAndSwap(ctx, key, time.Minute, func([]byte) ([]byte, error) { return nil, abort }); !errors.Is(err, abort) {
		t.Fatalf("CompareAndSwap(abort) error = %v", err)
	}
	if err := s.CompareAndSwap(ctx, key, time.Minute, func([]byte) ([]byte, error) { return nil, nil }); err != nil {
		t.Fatalf("CompareAndSwap(delete) error = %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get after CAS delete error = %v, want ErrMiss", err)
	}

	counter := prefix + ":n"
	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, counter)
		if err != nil || got != want {
			t.Fatalf("Incr() = %d, %v; want %d", got, err, want)
		}
	}

	set := prefix + ":set"
	if err := s.SetAdd(ctx, set, "a", "b", "c"); err != nil {
		t.Fatalf("SetAdd() error = %v", err)
	}
	if err := s.SetRemove(ctx, set, "b"); err != nil {
		t.Fatalf("SetRemove() error = %v", err)
	}
	members, err := s.SetMembers(ctx, set)
	if err != nil || len(members) != 2 {
		t.Fatalf("SetMembers() = %v, %v", members, err)
	}
	_ = s.Delete(ctx, counter, set)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v"), time.Second)
	now = now.Add(2 * time.Second)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get(expired) error = %v, want ErrMiss", err)
	}
	if ok, _ := m.SetNX(ctx, "k", []byte("v2"), time.Second); !ok {
		t.Fatal("SetNX on expired key failed")
	}
}

func TestMemoryConcurrentCASNeverLosesUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "n", []byte("0"), 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := m.CompareAndSwap(ctx, "n", 0, func(cur []byte) ([]byte, error) {
					var n int
					fmt.Sscanf(string(cur), "%d", &n)
					return []byte(fmt.Sprint(n + 1)), nil
				})
				if err == nil {
					return
				}
				if !errors.Is(err, ErrTxConflict) {
					t.Errorf("CompareAndSwap() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	got, _ := m.Get(ctx, "n")
	if string(got) != "20" {
		t.Fatalf("counter = %s, want 20", got)
	}
}
