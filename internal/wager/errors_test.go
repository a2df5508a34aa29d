package wager

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrInvalidMineCount, KindValidation},
		{ErrInsufficientBalance, KindBusiness},
		{fmt.Errorf("join: %w", ErrSeatTaken), KindBusiness},
		{ErrBusy, KindConcurrency},
		{ErrConflict, KindConcurrency},
		{ErrStaleCommitment, KindFairness},
		{errors.New("connection reset"), KindIntegrity},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestPublicCode(t *testing.T) {
	if got := PublicCode(ErrConflict); got != "try_again" {
		t.Fatalf("PublicCode(ErrConflict) = %q, want try_again", got)
	}
	if got := PublicCode(fmt.Errorf("wrap: %w", ErrGameInProgress)); got != "game_in_progress" {
		t.Fatalf("PublicCode = %q, want game_in_progress", got)
	}
	if got := PublicCode(errors.New("pq: relation does not exist")); got != "internal_error" {
		t.Fatalf("PublicCode leaked integrity detail: %q", got)
	}
}

func TestNewIDSortable(t *testing.T) {
	a := NewID()
	b := NewID()
	if a >= b {
		t.Fatalf("NewID not increasing: %s >= %s", a, b)
	}
}
