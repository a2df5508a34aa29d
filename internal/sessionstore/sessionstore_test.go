package sessionstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wagercore/internal/cache"
	"wagercore/internal/retry"
	"wagercore/internal/wager"
)

type doc struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type durable struct {
	mu    sync.Mutex
	docs  map[string]doc
	loads int32
}

func (d *durable) load(_ context.Context, id string) (*doc, error) {
	atomic.AddInt32(&d.loads, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.docs[id]
	if !ok {
		return nil, wager.ErrNotFound
	}
	return &v, nil
}

func newTestStore(d *durable, attempts int) (*Store[doc], *cache.Memory) {
	mem := cache.NewMemory()
	policy := retry.Policy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
	return New[doc](mem, "doc:", time.Minute, d.load, policy), mem
}

func TestGetFallsBackAndRepopulates(t *testing.T) {
	d := &durable{docs: map[string]doc{"a": {ID: "a", Count: 3}}}
	s, _ := newTestStore(d, 3)
	ctx := context.Background()

	got, err := s.Get(ctx, "a")
	if err != nil || got.Count != 3 {
		t.Fatalf("Get() = %+v, %v", got, err)
	}
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatalf("Get() second error = %v", err)
	}
	if d.loads != 1 {
		t.Fatalf("durable loads = %d, want 1", d.loads)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, wager.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteForcesReload(t *testing.T) {
	d := &durable{docs: map[string]doc{"a": {ID: "a", Count: 1}}}
	s, _ := newTestStore(d, 3)
	ctx := context.Background()
	_ = s.Set(ctx, "a", &doc{ID: "a", Count: 99})
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Count != 1 {
		t.Fatalf("Count = %d, want durable value 1", got.Count)
	}
}

func TestUpdateConcurrentIncrements(t *testing.T) {
	d := &durable{docs: map[string]doc{"a": {ID: "a"}}}
	s, _ := newTestStore(d, 500)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "a", func(v *doc) error {
				v.Count++
				return nil
			}); err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()
	got, _ := s.Get(ctx, "a")
	if got.Count != 10 {
		t.Fatalf("Count = %d, want 10", got.Count)
	}
}

func TestUpdateAbortLeavesValue(t *testing.T) {
	d := &durable{docs: map[string]doc{"a": {ID: "a", Count: 5}}}
	s, _ := newTestStore(d, 3)
	ctx := context.Background()
	stop := errors.New("stop")
	if _, err := s.Update(ctx, "a", func(v *doc) error {
		v.Count = 100
		return stop
	}); !errors.Is(err, stop) {
		t.Fatalf("Update() error = %v, want stop", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Count != 5 {
		t.Fatalf("Count = %d, want 5", got.Count)
	}
}

func TestUpdateExhaustedIsBusy(t *testing.T) {
	d := &durable{docs: map[string]doc{"a": {ID: "a"}}}
	s, mem := newTestStore(d, 2)
	ctx := context.Background()
	_, err := s.Update(ctx, "a", func(v *doc) error {
		_ = mem.Set(ctx, s.Key("a"), []byte(`{"id":"a","count":42}`), time.Minute)
		v.Count++
		return nil
	})
	if !errors.Is(err, wager.ErrBusy) {
		t.Fatalf("Update() error = %v, want ErrBusy", err)
	}
}
