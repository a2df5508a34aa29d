package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), Always, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsAtAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), Always, func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Do() error = %v, want errFlaky", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestDoHonoursClassifier(t *testing.T) {
	terminal := errors.New("terminal")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(err error) bool { return !errors.Is(err, terminal) }, func(context.Context) error {
		calls++
		return fmt.Errorf("wrapped: %w", terminal)
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("Do() error = %v, want terminal", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), Always, func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	if !errors.Is(err, errFlaky) || !IsPermanent(err) {
		t.Fatalf("Do() error = %v, want permanent errFlaky", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestValueReturnsResult(t *testing.T) {
	got, err := Value(context.Background(), fastPolicy(2), Always, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("Value() = %d, %v", got, err)
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
