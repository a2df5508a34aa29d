package mines

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wagercore/internal/bus"
	"wagercore/internal/cache"
	"wagercore/internal/fairness"
	"wagercore/internal/lock"
	"wagercore/internal/retry"
	"wagercore/internal/store/memstore"
	"wagercore/internal/wager"
)

const houseEdge = 0.01

type fixture struct {
	svc *Service
	st  *memstore.Store
	rec *bus.Recorder
}

func newFixture(t *testing.T, maxWin int64) *fixture {
	t.Helper()
	st := memstore.New()
	mem := cache.NewMemory()
	rec := bus.NewRecorder()
	locks := lock.New(mem, time.Second, retry.Policy{Attempts: 200, Initial: time.Millisecond, Max: 5 * time.Millisecond})
	svc := New(st, mem, locks, rec, Config{
		HouseEdge:  houseEdge,
		MaxWin:     maxWin,
		MinBet:     1,
		MaxBet:     100000,
		SessionTTL: time.Hour,
		CAS:        retry.Policy{Attempts: 5, Initial: time.Millisecond},
	})
	st.PutAccount("alice", 1000, "main")
	return &fixture{svc: svc, st: st, rec: rec}
}

func (f *fixture) session(t *testing.T) *wager.MinesSession {
	t.Helper()
	sess, err := f.st.ActiveMinesSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ActiveMinesSession() error = %v", err)
	}
	return sess
}

func safeCells(sess *wager.MinesSession) []int {
	var out []int
	for i, c := range sess.Board {
		if c == wager.CellHidden {
			out = append(out, i)
		}
	}
	return out
}

func TestExampleRound(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()

	start, err := f.svc.Start(ctx, "alice", 10, 3, "my-seed")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.st.Balance("alice"); got != 990 {
		t.Fatalf("balance = %d, want 990", got)
	}
	if start.SeedCommitment == "" || start.Balance != 990 {
		t.Fatalf("Start() = %+v", start)
	}
	sess := f.session(t)
	if len(sess.Mines()) != 3 {
		t.Fatalf("mines = %v, want 3", sess.Mines())
	}
	view, _ := f.svc.State(ctx, "alice")
	if view.Seed.ServerSeed != "" {
		t.Fatal("server seed visible before resolution")
	}

	safe := safeCells(sess)[0]
	r, err := f.svc.Reveal(ctx, "alice", safe)
	if err != nil {
		t.Fatalf("Reveal(safe) error = %v", err)
	}
	if r.Mine || r.CurrentMultiplier != start.NextMultiplier {
		t.Fatalf("Reveal(safe) = %+v", r)
	}
	if want := Multiplier(start.NextMultiplier, 24, 3, houseEdge); r.NextMultiplier != want || r.NextMultiplier <= r.CurrentMultiplier {
		t.Fatalf("NextMultiplier = %v, want %v", r.NextMultiplier, want)
	}

	mine := sess.Mines()[0]
	r, err = f.svc.Reveal(ctx, "alice", mine)
	if err != nil {
		t.Fatalf("Reveal(mine) error = %v", err)
	}
	if !r.Mine || r.Status != wager.MinesLost || r.Payout != 0 {
		t.Fatalf("Reveal(mine) = %+v", r)
	}
	if got := f.st.Balance("alice"); got != 990 {
		t.Fatalf("balance after loss = %d, want 990", got)
	}
	hist := f.st.AllHistory()
	if len(hist) != 1 || hist[0].Wager != 10 || hist[0].Earning != 0 {
		t.Fatalf("history = %+v", hist)
	}
	if r.Proof == nil || r.Proof.ServerSeed == "" {
		t.Fatal("server seed not published")
	}
	mines, err := fairness.VerifyMines(*r.Proof, 3)
	if err != nil {
		t.Fatalf("VerifyMines() error = %v", err)
	}
	for i, m := range sess.Mines() {
		if mines[i] != m {
			t.Fatalf("verified mines = %v, want %v", mines, sess.Mines())
		}
	}
	if len(f.rec.Named(EventProof)) != 1 {
		t.Fatal("proof event not emitted")
	}
	if _, err := f.svc.Reveal(ctx, "alice", safe); !errors.Is(err, wager.ErrNoActiveGame) {
		t.Fatalf("Reveal after loss error = %v, want ErrNoActiveGame", err)
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	cases := []struct {
		bet   int64
		mines int
		want  error
	}{
		{0, 3, wager.ErrInvalidBetAmount},
		{200000, 3, wager.ErrInvalidBetAmount},
		{10, 0, wager.ErrInvalidMineCount},
		{10, 25, wager.ErrInvalidMineCount},
		{5000, 3, wager.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		if _, err := f.svc.Start(ctx, "alice", tc.bet, tc.mines, ""); !errors.Is(err, tc.want) {
			t.Fatalf("Start(%d, %d) error = %v, want %v", tc.bet, tc.mines, err, tc.want)
		}
	}
	if got := f.st.Balance("alice"); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "alice", 10, 3, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Start(ctx, "alice", 10, 3, ""); !errors.Is(err, wager.ErrGameInProgress) {
		t.Fatalf("second Start() error = %v, want ErrGameInProgress", err)
	}
	if got := f.st.Balance("alice"); got != 990 {
		t.Fatalf("balance = %d, want 990", got)
	}
}

func TestStartRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.st.FailNext("InsertMinesSession", errors.New("disk full"))
	if _, err := f.svc.Start(context.Background(), "alice", 10, 3, ""); err == nil {
		t.Fatal("Start() succeeded despite failed insert")
	}
	if got := f.st.Balance("alice"); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
	if len(f.st.Entries("alice")) != 0 {
		t.Fatal("ledger entry survived rollback")
	}
}

func TestConcurrentRevealSameCell(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "alice", 10, 3, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cell := safeCells(f.session(t))[0]

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Reveal(ctx, "alice", cell)
		}(i)
	}
	wg.Wait()
	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, wager.ErrCellAlreadyRevealed):
			dup++
		default:
			t.Fatalf("Reveal() error = %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("ok=%d already_revealed=%d, want 1 and 1", ok, dup)
	}
	if got := f.session(t).Revealed(); got != 1 {
		t.Fatalf("revealed = %d, want 1", got)
	}
}

func TestCashout(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	start, _ := f.svc.Start(ctx, "alice", 10, 3, "")
	if _, err := f.svc.Cashout(ctx, "alice"); !errors.Is(err, wager.ErrNothingToCashout) {
		t.Fatalf("Cashout() before reveal error = %v", err)
	}
	if _, err := f.svc.Reveal(ctx, "alice", safeCells(f.session(t))[0]); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	res, err := f.svc.Cashout(ctx, "alice")
	if err != nil {
		t.Fatalf("Cashout() error = %v", err)
	}
	want := Payout(10, start.NextMultiplier, 0)
	if res.WinningAmount != want {
		t.Fatalf("WinningAmount = %d, want %d", res.WinningAmount, want)
	}
	if got := f.st.Balance("alice"); got != 990+want {
		t.Fatalf("balance = %d, want %d", got, 990+want)
	}
	if _, err := f.svc.Cashout(ctx, "alice"); !errors.Is(err, wager.ErrNoActiveGame) {
		t.Fatalf("second Cashout() error = %v, want ErrNoActiveGame", err)
	}
	if _, err := fairness.VerifyMines(res.Proof, 3); err != nil {
		t.Fatalf("VerifyMines() error = %v", err)
	}
}

func TestCashoutCappedAtMaxWin(t *testing.T) {
	f := newFixture(t, 12)
	ctx := context.Background()
	f.svc.Start(ctx, "alice", 100, 3, "")
	f.svc.Reveal(ctx, "alice", safeCells(f.session(t))[0])
	res, err := f.svc.Cashout(ctx, "alice")
	if err != nil {
		t.Fatalf("Cashout() error = %v", err)
	}
	if res.WinningAmount != 12 {
		t.Fatalf("WinningAmount = %d, want 12", res.WinningAmount)
	}
}

func TestFullClearSettlesAtNextMultiplier(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	start, err := f.svc.Start(ctx, "alice", 100, 24, "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cells := safeCells(f.session(t))
	if len(cells) != 1 {
		t.Fatalf("safe cells = %d, want 1", len(cells))
	}
	r, err := f.svc.Reveal(ctx, "alice", cells[0])
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	want := Payout(100, start.NextMultiplier, 0)
	if r.Status != wager.MinesCompleted || r.Payout != want {
		t.Fatalf("Reveal() = %+v, want completed with %d", r, want)
	}
	if got := f.st.Balance("alice"); got != 900+want {
		t.Fatalf("balance = %d, want %d", got, 900+want)
	}
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()

	t.Run("refunds without reveals", func(t *testing.T) {
		f := newFixture(t, 0)
		f.svc.Start(ctx, "alice", 50, 3, "")
		if err := f.svc.Abandon(ctx, "alice"); err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
		if got := f.st.Balance("alice"); got != 1000 {
			t.Fatalf("balance = %d, want 1000", got)
		}
		if _, err := f.svc.State(ctx, "alice"); !errors.Is(err, wager.ErrNoActiveGame) {
			t.Fatalf("State() error = %v", err)
		}
	})

	t.Run("cashes out after a reveal", func(t *testing.T) {
		f := newFixture(t, 0)
		start, _ := f.svc.Start(ctx, "alice", 50, 3, "")
		f.svc.Reveal(ctx, "alice", safeCells(f.session(t))[0])
		if err := f.svc.Abandon(ctx, "alice"); err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
		want := 950 + Payout(50, start.NextMultiplier, 0)
		if got := f.st.Balance("alice"); got != want {
			t.Fatalf("balance = %d, want %d", got, want)
		}
	})

	t.Run("no session is a no-op", func(t *testing.T) {
		f := newFixture(t, 0)
		if err := f.svc.Abandon(ctx, "alice"); err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
	})
}

func TestStaleCommitmentRefunds(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.svc.Start(ctx, "alice", 10, 3, "")
	sess := f.session(t)
	sess.Seed.ServerSeed = "tampered"
	if err := f.svc.sessions.Set(ctx, "alice", sess); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := f.svc.Reveal(ctx, "alice", 0); !errors.Is(err, wager.ErrStaleCommitment) {
		t.Fatalf("Reveal() error = %v, want ErrStaleCommitment", err)
	}
	if got := f.st.Balance("alice"); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
}

func TestRevealRejectsBadIndex(t *testing.T) {
	f := newFixture(t, 0)
	for _, idx := range []int{-1, 25} {
		if _, err := f.svc.Reveal(context.Background(), "alice", idx); !errors.Is(err, wager.ErrInvalidCell) {
			t.Fatalf("Reveal(%d) error = %v", idx, err)
		}
	}
}

func TestMultiplier(t *testing.T) {
	if got := Multiplier(1, 25, 3, 0.01); got != 1.125 {
		t.Fatalf("Multiplier(1, 25, 3) = %v, want 1.125", got)
	}
	if got := Multiplier(2, 3, 3, 0.01); got != 2 {
		t.Fatalf("Multiplier with no safe cells = %v, want unchanged", got)
	}
	if got := Payout(10, 1.999, 0); got != 19 {
		t.Fatalf("Payout = %d, want 19", got)
	}
}
