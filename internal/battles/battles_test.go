package battles

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
	"wagercore/internal/payout"
	"wagercore/internal/retry"
	"wagercore/internal/schedule"
	"wagercore/internal/store/memstore"
	"wagercore/internal/wager"
)

type fixture struct {
	svc   *Service
	st    *memstore.Store
	sched *schedule.Scheduler
	rec   *bus.Recorder
	now   time.Time
}

func newFixture(t *testing.T, maxWin int64) *fixture {
	t.Helper()
	f := &fixture{st: memstore.New(), rec: bus.NewRecorder(), now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.st.SetClock(clock)
	mem := cache.NewMemory()
	policy := retry.Policy{Attempts: 50, Initial: time.Millisecond, Max: 5 * time.Millisecond}
	f.sched = schedule.New(f.st, schedule.Config{Lease: time.Minute, DisableTimers: true, Retry: retry.Policy{Initial: time.Second}})
	f.sched.SetClock(clock)
	q := payout.New(f.st, payout.Config{MaxRetries: 3, Retention: time.Hour})
	q.SetClock(clock)
	f.svc = New(f.st, mem, lock.New(mem, time.Second, policy), q, f.sched, f.rec, Config{
		HouseEdge:   0.05,
		MaxWin:      maxWin,
		MaxCaseCost: 950,
		MaxCases:    5,
		SpinDelay:   5 * time.Second,
		StartDelay:  2 * time.Second,
		Retention:   10 * time.Minute,
		CacheTTL:    time.Hour,
		CAS:         policy,
	})
	f.svc.SetClock(clock)

	f.st.PutCase(&wager.Case{ID: "c1", Name: "Starter", Price: 100, Items: []wager.Item{
		{ID: "gem", Name: "Gem", Price: 500, Percentage: 20},
		{ID: "rock", Name: "Rock", Price: 50, Percentage: 80},
	}})
	f.st.PutCase(&wager.Case{ID: "big", Name: "Whale", Price: 900})
	for _, u := range []string{"alice", "bob", "dave"} {
		f.st.PutAccount(u, 1000, "main")
	}
	f.st.PutAccount("carol", 1000, "bonus")
	return f
}

// runFor advances the clock second by second, running every task that
// comes due.
func (f *fixture) runFor(t *testing.T, d time.Duration) {
	t.Helper()
	for end := f.now.Add(d); !f.now.After(end); f.now = f.now.Add(time.Second) {
		for {
			n, err := f.sched.RunDue(context.Background())
			if err != nil {
				t.Fatalf("RunDue() error = %v", err)
			}
			if n == 0 {
				break
			}
		}
	}
}

func (f *fixture) room(t *testing.T, id string) *wager.Room {
	t.Helper()
	r, err := f.st.GetRoom(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	return r
}

func seat(i int) *int { return &i }

func TestFullBattle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, err := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1", "c1"}, Mode: wager.Mode1v1})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if room.Cost != 210 || room.Seed.ServerSeed != "" {
		t.Fatalf("Create() = cost %d, seed leaked %v", room.Cost, room.Seed.ServerSeed != "")
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if f.st.Balance("alice") != 790 || f.st.Balance("bob") != 790 {
		t.Fatalf("balances = %d/%d, want 790/790", f.st.Balance("alice"), f.st.Balance("bob"))
	}

	f.runFor(t, 30*time.Second)
	got := f.room(t, room.ID)
	if got.Status != wager.RoomFinished || got.Round != 2 || len(got.Items) != 2 {
		t.Fatalf("room = status %s round %d items %d", got.Status, got.Round, len(got.Items))
	}
	if !got.Seed.Revealed || got.Seed.PublicSeed == "" {
		t.Fatal("seed not revealed")
	}

	want := Settle(got.Mode, false, got.Items, 2, 0)
	var paid int64
	for _, e := range want.Earnings {
		paid += e
	}
	if total := f.st.Balance("alice") + f.st.Balance("bob"); total != 1580+paid {
		t.Fatalf("balances sum = %d, want %d", total, 1580+paid)
	}
	for _, p := range f.st.AllPayouts() {
		if p.Status != wager.PayoutCompleted {
			t.Fatalf("payout %s is %s", p.ID, p.Status)
		}
	}
	if n := len(f.st.AllHistory()); n != 2 {
		t.Fatalf("history rows = %d, want 2", n)
	}

	proofs := f.rec.Named(EventProof)
	if len(proofs) != 1 {
		t.Fatalf("proof events = %d, want 1", len(proofs))
	}
	tickets, err := fairness.VerifyBattle(got.Seed.Proof(), 2, 2)
	if err != nil {
		t.Fatalf("VerifyBattle() error = %v", err)
	}
	for r := range tickets {
		for s := range tickets[r] {
			if tickets[r][s] != got.Items[r][s].Ticket {
				t.Fatalf("ticket[%d][%d] = %d, want %d", r, s, got.Items[r][s].Ticket, tickets[r][s])
			}
		}
	}
	if len(f.rec.Named(EventSpin)) != 4 {
		t.Fatalf("spin events = %d, want 2 per round on room and lobby", len(f.rec.Named(EventSpin)))
	}
	if rooms, _ := f.svc.List(ctx, 10); len(rooms) != 0 {
		t.Fatalf("List() after finish = %d rooms", len(rooms))
	}
}

func TestCreateWithBots(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, err := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1v1v1, IsBot: true})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := f.st.Balance("alice"); got != 1000-4*105 {
		t.Fatalf("balance = %d, want %d", got, 1000-4*105)
	}
	f.runFor(t, 20*time.Second)
	got := f.room(t, room.ID)
	if got.Status != wager.RoomFinished {
		t.Fatalf("status = %s, want finished", got.Status)
	}
	if n := len(f.st.AllHistory()); n != 1 {
		t.Fatalf("history rows = %d, want only the human seat", n)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	cases := []struct {
		req  CreateRequest
		want error
	}{
		{CreateRequest{Cases: []string{"c1"}, Mode: "3v3"}, wager.ErrInvalidMode},
		{CreateRequest{Mode: wager.Mode1v1}, wager.ErrInvalidCases},
		{CreateRequest{Cases: []string{"c1", "c1", "c1", "c1", "c1", "c1"}, Mode: wager.Mode1v1}, wager.ErrInvalidCases},
		{CreateRequest{Cases: []string{"big", "c1"}, Mode: wager.Mode1v1}, wager.ErrCaseCostExceeded},
		{CreateRequest{Cases: []string{"nope"}, Mode: wager.Mode1v1}, wager.ErrCaseNotFound},
		{CreateRequest{Cases: []string{"big"}, Mode: wager.Mode1v1v1, IsBot: true}, wager.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		if _, err := f.svc.Create(ctx, "alice", tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("Create(%+v) error = %v, want %v", tc.req, err, tc.want)
		}
	}
	if got := f.st.Balance("alice"); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}
}

func TestJoinRules(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, _ := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1v1})

	if _, err := f.svc.Join(ctx, "carol", JoinRequest{RoomID: room.ID}); !errors.Is(err, wager.ErrWalletMismatch) {
		t.Fatalf("Join(carol) error = %v, want ErrWalletMismatch", err)
	}
	if _, err := f.svc.Join(ctx, "alice", JoinRequest{RoomID: room.ID}); !errors.Is(err, wager.ErrAlreadyInRoom) {
		t.Fatalf("Join(creator) error = %v, want ErrAlreadyInRoom", err)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, Seat: seat(7)}); !errors.Is(err, wager.ErrInvalidSeat) {
		t.Fatalf("Join(seat 7) error = %v, want ErrInvalidSeat", err)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, Seat: seat(0)}); !errors.Is(err, wager.ErrSeatTaken) {
		t.Fatalf("Join(seat 0) error = %v, want ErrSeatTaken", err)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, AddingBot: true}); !errors.Is(err, wager.ErrNotCreator) {
		t.Fatalf("Join(bob bot) error = %v, want ErrNotCreator", err)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, Seat: seat(2)}); err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	if _, err := f.svc.Join(ctx, "alice", JoinRequest{RoomID: room.ID, AddingBot: true}); err != nil {
		t.Fatalf("Join(bot) error = %v", err)
	}
	if _, err := f.svc.Join(ctx, "dave", JoinRequest{RoomID: room.ID}); !errors.Is(err, wager.ErrRoomFull) && !errors.Is(err, wager.ErrRoomNotJoinable) {
		t.Fatalf("Join(full) error = %v", err)
	}
	if _, err := f.svc.Join(ctx, "dave", JoinRequest{RoomID: "missing"}); !errors.Is(err, wager.ErrRoomNotFound) {
		t.Fatalf("Join(missing) error = %v, want ErrRoomNotFound", err)
	}
	if got := f.st.Balance("alice"); got != 1000-2*105 {
		t.Fatalf("creator balance = %d, want %d", got, 1000-2*105)
	}
	if got := f.st.Balance("dave"); got != 1000 {
		t.Fatalf("rejected joiner charged: %d", got)
	}
}

func TestConcurrentJoinSameSeat(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, _ := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1v1})

	var wg sync.WaitGroup
	users := []string{"bob", "dave"}
	errs := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = f.svc.Join(ctx, u, JoinRequest{RoomID: room.ID, Seat: seat(1)})
		}(i, u)
	}
	wg.Wait()
	var ok, taken int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, wager.ErrSeatTaken):
			taken++
		default:
			t.Fatalf("Join() error = %v", err)
		}
	}
	if ok != 1 || taken != 1 {
		t.Fatalf("ok=%d taken=%d, want 1 and 1", ok, taken)
	}
	if total := f.st.Balance("bob") + f.st.Balance("dave"); total != 2000-105 {
		t.Fatalf("joiners charged %d, want one stake", 2000-total)
	}
}

func TestSponsorAndLeave(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, _ := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1v1})

	if _, err := f.svc.Sponsor(ctx, "bob", room.ID, 1); !errors.Is(err, wager.ErrNotCreator) {
		t.Fatalf("Sponsor(bob) error = %v, want ErrNotCreator", err)
	}
	if _, err := f.svc.Sponsor(ctx, "alice", room.ID, 0); !errors.Is(err, wager.ErrCannotSponsorOwnSeat) {
		t.Fatalf("Sponsor(own) error = %v, want ErrCannotSponsorOwnSeat", err)
	}
	if _, err := f.svc.Sponsor(ctx, "alice", room.ID, 1); err != nil {
		t.Fatalf("Sponsor() error = %v", err)
	}
	if _, err := f.svc.Sponsor(ctx, "alice", room.ID, 1); !errors.Is(err, wager.ErrSeatAlreadySponsored) {
		t.Fatalf("Sponsor(again) error = %v, want ErrSeatAlreadySponsored", err)
	}
	if got := f.st.Balance("alice"); got != 790 {
		t.Fatalf("creator balance = %d, want 790", got)
	}

	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, Seat: seat(1)}); err != nil {
		t.Fatalf("Join(sponsored) error = %v", err)
	}
	if got := f.st.Balance("bob"); got != 1000 {
		t.Fatalf("sponsored joiner charged: %d", got)
	}
	if _, err := f.svc.Leave(ctx, "bob", room.ID); err != nil {
		t.Fatalf("Leave(bob) error = %v", err)
	}
	if f.st.Balance("alice") != 895 || f.st.Balance("bob") != 1000 {
		t.Fatalf("after sponsored leave = %d/%d, want 895/1000", f.st.Balance("alice"), f.st.Balance("bob"))
	}
	if r := f.room(t, room.ID); r.Sponsored[1] || r.Seats[1] != nil {
		t.Fatal("seat not cleared")
	}

	if _, err := f.svc.Join(ctx, "dave", JoinRequest{RoomID: room.ID}); err != nil {
		t.Fatalf("Join(dave) error = %v", err)
	}
	if _, err := f.svc.Leave(ctx, "dave", room.ID); err != nil {
		t.Fatalf("Leave(dave) error = %v", err)
	}
	if got := f.st.Balance("dave"); got != 1000 {
		t.Fatalf("unsponsored leaver refund = %d, want 1000", got)
	}
	if _, err := f.svc.Leave(ctx, "dave", room.ID); !errors.Is(err, wager.ErrNotInRoom) {
		t.Fatalf("Leave(again) error = %v, want ErrNotInRoom", err)
	}
}

func TestCreatorLeaveClosesRoom(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, _ := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1v1})
	f.svc.Sponsor(ctx, "alice", room.ID, 2)
	f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, Seat: seat(1)})

	if _, err := f.svc.Leave(ctx, "alice", room.ID); err != nil {
		t.Fatalf("Leave(creator) error = %v", err)
	}
	if f.st.Balance("alice") != 1000 || f.st.Balance("bob") != 1000 {
		t.Fatalf("balances = %d/%d, want full refunds", f.st.Balance("alice"), f.st.Balance("bob"))
	}
	if r := f.room(t, room.ID); r.Status != wager.RoomFinished || len(r.Winners) != 0 {
		t.Fatalf("room = %s winners %v", r.Status, r.Winners)
	}
	if len(f.rec.Named(EventClosed)) == 0 {
		t.Fatal("closed event not emitted")
	}
	if _, err := f.svc.Join(ctx, "dave", JoinRequest{RoomID: room.ID}); !errors.Is(err, wager.ErrRoomNotJoinable) {
		t.Fatalf("Join(closed) error = %v", err)
	}
}

func startedRoom(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	room, err := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1", "c1", "c1"}, Mode: wager.Mode1v1})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := f.svc.Start(ctx, room.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return room.ID
}

func TestConcurrentSpinAdvancesOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := startedRoom(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.Spin(ctx, id, 0); err != nil && !errors.Is(err, wager.ErrBusy) {
				t.Errorf("Spin() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if r := f.room(t, id); r.Round != 1 || len(r.Items) != 1 {
		t.Fatalf("round = %d items = %d, want 1/1", r.Round, len(r.Items))
	}
	if err := f.svc.Spin(ctx, id, 0); err != nil {
		t.Fatalf("Spin() of a drawn round error = %v, want nil", err)
	}
}

func TestHeldSpinGateIsRetried(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := startedRoom(t, f)

	_, err := f.svc.rooms.Update(ctx, id, func(r *wager.Room) error {
		now := f.now
		r.IsSpinning = true
		r.SpinStartedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("hold gate: %v", err)
	}
	if err := f.svc.Spin(ctx, id, 0); !errors.Is(err, wager.ErrBusy) {
		t.Fatalf("Spin() with held gate error = %v, want ErrBusy", err)
	}

	f.runFor(t, 5*time.Second)
	if r := f.room(t, id); r.Status != wager.RoomInGame || r.Round != 0 {
		t.Fatalf("while held: status=%s round=%d", r.Status, r.Round)
	}
	if len(f.st.AllTasks()) == 0 {
		t.Fatal("spin task dropped while the gate was held")
	}

	f.runFor(t, 10*time.Minute)
	if r := f.room(t, id); r.Status != wager.RoomFinished || r.Round != 3 {
		t.Fatalf("after gate timeout: status=%s round=%d/3", r.Status, r.Round)
	}
}

func TestNoopTransitionsSkipWrite(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, err := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	before := f.room(t, room.ID).Version
	if err := f.svc.Start(ctx, room.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.svc.Result(ctx, room.ID); err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if r := f.room(t, room.ID); r.Version != before || r.Status != wager.RoomWaiting {
		t.Fatalf("version = %d status = %s, want %d waiting", r.Version, r.Status, before)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID}); err != nil {
		t.Fatalf("Join() after no-op transitions error = %v", err)
	}
}

func TestHistoryWagerFollowsPayers(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	room, err := f.svc.Create(ctx, "alice", CreateRequest{Cases: []string{"c1"}, Mode: wager.Mode1v1v1})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.svc.Sponsor(ctx, "alice", room.ID, 1); err != nil {
		t.Fatalf("Sponsor() error = %v", err)
	}
	if _, err := f.svc.Join(ctx, "bob", JoinRequest{RoomID: room.ID, Seat: seat(1)}); err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	if _, err := f.svc.Join(ctx, "alice", JoinRequest{RoomID: room.ID, AddingBot: true}); err != nil {
		t.Fatalf("Join(bot) error = %v", err)
	}
	f.runFor(t, time.Minute)
	if r := f.room(t, room.ID); r.Status != wager.RoomFinished {
		t.Fatalf("status = %s, want finished", r.Status)
	}

	wagers := map[string]int64{}
	for _, h := range f.st.AllHistory() {
		wagers[h.UserID] += h.Wager
	}
	if wagers["alice"] != 315 || wagers["bob"] != 0 || len(wagers) != 2 {
		t.Fatalf("history wagers = %v, want alice 315 bob 0", wagers)
	}
	r := f.room(t, room.ID)
	if got, want := f.st.Balance("alice"), 1000-315+r.Earnings[0]; got != want {
		t.Fatalf("alice balance = %d, want %d", got, want)
	}
}
