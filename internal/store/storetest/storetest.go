// Package storetest is a behavioural suite every wager.Store must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"wagercore/internal/fairness"
	"wagercore/internal/wager"
)

// Seeder creates accounts and catalog rows the suite needs.
type Seeder interface {
	PutAccount(userID string, balance int64, walletType string)
	PutCase(c *wager.Case)
}

func Run(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	t.Run("Ledger", func(t *testing.T) { testLedger(t, open) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, open) })
	t.Run("MinesSessions", func(t *testing.T) { testMinesSessions(t, open) })
	t.Run("Rooms", func(t *testing.T) { testRooms(t, open) })
	t.Run("History", func(t *testing.T) { testHistory(t, open) })
	t.Run("Payouts", func(t *testing.T) { testPayouts(t, open) })
	t.Run("Tasks", func(t *testing.T) { testTasks(t, open) })
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, open) })
}

func testLedger(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, seed := open(t)
	ctx := context.Background()
	seed.PutAccount("u1", 1000, "main")
	entry := wager.Entry{Type: "stake_debit", RefType: "test", RefID: "r1"}

	if _, err := st.Debit(ctx, "u1", 2000, entry); !errors.Is(err, wager.ErrInsufficientBalance) {
		t.Fatalf("Debit(over) error = %v, want ErrInsufficientBalance", err)
	}
	bal, err := st.Debit(ctx, "u1", 400, entry)
	if err != nil || bal != 600 {
		t.Fatalf("Debit() = %d, %v; want 600", bal, err)
	}
	bal, err = st.Credit(ctx, "u1", 50, entry)
	if err != nil || bal != 650 {
		t.Fatalf("Credit() = %d, %v; want 650", bal, err)
	}
	if _, err := st.Credit(ctx, "ghost", 1, entry); !errors.Is(err, wager.ErrInvalidUser) {
		t.Fatalf("Credit(ghost) error = %v, want ErrInvalidUser", err)
	}
	if err := st.EnsureAccount(ctx, "u1", "main", 999); err != nil {
		t.Fatalf("EnsureAccount(existing) error = %v", err)
	}
	acct, err := st.Account(ctx, "u1")
	if err != nil || acct.Balance != 650 || acct.WalletType != "main" {
		t.Fatalf("Account() = %+v, %v", acct, err)
	}
}

func testTxRollback(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, seed := open(t)
	ctx := context.Background()
	seed.PutAccount("u1", 100, "main")
	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		if _, err := tx.Debit(ctx, "u1", 60, wager.Entry{Type: "stake_debit"}); err != nil {
			return err
		}
		if err := tx.InsertHistory(ctx, &wager.HistoryRecord{UserID: "u1", GameKind: wager.GameMines, RefID: "x", Wager: 60}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v, want boom", err)
	}
	acct, _ := st.Account(ctx, "u1")
	if acct.Balance != 100 {
		t.Fatalf("balance after rollback = %d, want 100", acct.Balance)
	}
	if h, _ := st.ListHistory(ctx, "u1", 10); len(h) != 0 {
		t.Fatalf("history after rollback = %d rows, want 0", len(h))
	}
}

func testMinesSessions(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, _ := open(t)
	ctx := context.Background()
	s := &wager.MinesSession{ID: wager.NewID(), UserID: "u1", Status: wager.MinesOngoing, BetAmount: 10, MineCount: 3,
		Seed: fairness.Seed{ServerSeedCommitment: "c", ServerSeed: "s", ClientSeed: "cs", Nonce: 1}}
	if err := st.InsertMinesSession(ctx, s); err != nil {
		t.Fatalf("InsertMinesSession() error = %v", err)
	}
	dup := &wager.MinesSession{ID: wager.NewID(), UserID: "u1", Status: wager.MinesOngoing}
	if err := st.InsertMinesSession(ctx, dup); !errors.Is(err, wager.ErrGameInProgress) {
		t.Fatalf("InsertMinesSession(dup) error = %v, want ErrGameInProgress", err)
	}
	got, err := st.ActiveMinesSession(ctx, "u1")
	if err != nil || got.ID != s.ID || got.Version != 1 || got.Seed.ServerSeed != "s" {
		t.Fatalf("ActiveMinesSession() = %+v, %v", got, err)
	}

	stale := *got
	got.Board[4] = wager.CellRevealed
	if err := st.UpdateMinesSession(ctx, got); err != nil {
		t.Fatalf("UpdateMinesSession() error = %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
	if err := st.UpdateMinesSession(ctx, &stale); !errors.Is(err, wager.ErrConflict) {
		t.Fatalf("UpdateMinesSession(stale) error = %v, want ErrConflict", err)
	}

	got.Status = wager.MinesCompleted
	if err := st.UpdateMinesSession(ctx, got); err != nil {
		t.Fatalf("UpdateMinesSession(complete) error = %v", err)
	}
	if _, err := st.ActiveMinesSession(ctx, "u1"); !errors.Is(err, wager.ErrNotFound) {
		t.Fatalf("ActiveMinesSession(after complete) error = %v, want ErrNotFound", err)
	}
	byID, err := st.GetMinesSession(ctx, s.ID)
	if err != nil || byID.Status != wager.MinesCompleted || byID.Board[4] != wager.CellRevealed {
		t.Fatalf("GetMinesSession() = %+v, %v", byID, err)
	}
}

func testRooms(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, _ := open(t)
	ctx := context.Background()
	pub := &wager.Room{ID: wager.NewID(), CreatorID: "u1", Mode: wager.Mode1v1, Status: wager.RoomWaiting,
		Seats: []*wager.Seat{{UserID: "u1"}, nil}, Sponsored: []bool{false, false}, Payers: []string{"u1", ""}, Cases: []string{"c1"}}
	priv := &wager.Room{ID: wager.NewID(), CreatorID: "u2", Mode: wager.Mode1v1, Status: wager.RoomWaiting, IsPrivate: true,
		Seats: []*wager.Seat{{UserID: "u2"}, nil}}
	for _, r := range []*wager.Room{pub, priv} {
		if err := st.InsertRoom(ctx, r); err != nil {
			t.Fatalf("InsertRoom() error = %v", err)
		}
	}
	open1, err := st.ListOpenRooms(ctx, 10)
	if err != nil || len(open1) != 1 || open1[0].ID != pub.ID {
		t.Fatalf("ListOpenRooms() = %v, %v", open1, err)
	}

	a, _ := st.GetRoom(ctx, pub.ID)
	b, _ := st.GetRoom(ctx, pub.ID)
	a.Seats[1] = &wager.Seat{UserID: "u3"}
	if err := st.UpdateRoom(ctx, a); err != nil {
		t.Fatalf("UpdateRoom() error = %v", err)
	}
	b.Seats[1] = &wager.Seat{UserID: "u4"}
	if err := st.UpdateRoom(ctx, b); !errors.Is(err, wager.ErrConflict) {
		t.Fatalf("UpdateRoom(concurrent) error = %v, want ErrConflict", err)
	}
	got, _ := st.GetRoom(ctx, pub.ID)
	if got.Seats[1] == nil || got.Seats[1].UserID != "u3" {
		t.Fatalf("seat 1 = %+v, want u3", got.Seats[1])
	}
	if _, err := st.GetRoom(ctx, "missing"); !errors.Is(err, wager.ErrNotFound) {
		t.Fatalf("GetRoom(missing) error = %v, want ErrNotFound", err)
	}
}

func testHistory(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, _ := open(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h := &wager.HistoryRecord{UserID: "u1", GameKind: wager.GameMines, RefID: "s", Wager: int64(10 + i),
			Fairness: fairness.Seed{ServerSeedCommitment: "c", Revealed: true}}
		if err := st.InsertHistory(ctx, h); err != nil {
			t.Fatalf("InsertHistory() error = %v", err)
		}
	}
	rows, err := st.ListHistory(ctx, "u1", 2)
	if err != nil || len(rows) != 2 {
		t.Fatalf("ListHistory() = %d rows, %v", len(rows), err)
	}
	if rows[0].Wager != 12 || !rows[0].Fairness.Revealed {
		t.Fatalf("newest row = %+v", rows[0])
	}
}

func testPayouts(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, _ := open(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	due := &wager.PendingPayout{UserID: "u1", PayoutAmount: 10, GameKind: wager.GameUnbox, GameData: []byte(`{"item":"a"}`),
		Status: wager.PayoutPending, ScheduledFor: now.Add(-time.Second), ExpiresAt: now.Add(time.Hour)}
	later := &wager.PendingPayout{UserID: "u1", PayoutAmount: 5, GameKind: wager.GameUnbox,
		Status: wager.PayoutPending, ScheduledFor: now.Add(time.Hour), ExpiresAt: now.Add(-time.Second)}
	for _, p := range []*wager.PendingPayout{due, later} {
		if err := st.InsertPayout(ctx, p); err != nil {
			t.Fatalf("InsertPayout() error = %v", err)
		}
	}
	list, err := st.DuePayouts(ctx, now, 10)
	if err != nil || len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("DuePayouts() = %v, %v", list, err)
	}
	err = st.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		p, err := tx.LockPayout(ctx, due.ID)
		if err != nil {
			return err
		}
		p.Status = wager.PayoutCompleted
		p.LeaseID = "lease"
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		t.Fatalf("complete payout: %v", err)
	}
	got, _ := st.GetPayout(ctx, due.ID)
	if got.Status != wager.PayoutCompleted || got.LeaseID != "lease" || string(got.GameData) == "" {
		t.Fatalf("GetPayout() = %+v", got)
	}
	n, err := st.PurgePayouts(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("PurgePayouts() = %d, %v; want 1", n, err)
	}
	if _, err := st.GetPayout(ctx, later.ID); !errors.Is(err, wager.ErrNotFound) {
		t.Fatalf("GetPayout(purged) error = %v, want ErrNotFound", err)
	}
}

func testTasks(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, _ := open(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &wager.Task{Kind: "k", Key: "k:1", RunAt: now.Add(-time.Second)}
	if err := st.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() error = %v", err)
	}
	claimed, err := st.ClaimTask(ctx, "k:1", now, time.Minute)
	if err != nil || claimed.ID != task.ID || claimed.Attempts != 1 {
		t.Fatalf("ClaimTask() = %+v, %v", claimed, err)
	}
	if _, err := st.ClaimTask(ctx, "k:1", now, time.Minute); !errors.Is(err, wager.ErrNotFound) {
		t.Fatalf("ClaimTask(leased) error = %v, want ErrNotFound", err)
	}

	replacement := &wager.Task{Kind: "k", Key: "k:1", RunAt: now.Add(-time.Second)}
	if err := st.UpsertTask(ctx, replacement); err != nil {
		t.Fatalf("UpsertTask(replace) error = %v", err)
	}
	if err := st.DeleteTask(ctx, claimed.ID); err != nil {
		t.Fatalf("DeleteTask(old) error = %v", err)
	}
	due, err := st.ClaimDueTasks(ctx, now, time.Minute, 10)
	if err != nil || len(due) != 1 || due[0].ID != replacement.ID {
		t.Fatalf("ClaimDueTasks() = %v, %v; want the replacement", due, err)
	}
	if err := st.RescheduleTask(ctx, replacement.ID, now.Add(-time.Millisecond), "boom"); err != nil {
		t.Fatalf("RescheduleTask() error = %v", err)
	}
	again, err := st.ClaimTask(ctx, "k:1", now, time.Minute)
	if err != nil || again.LastError != "boom" || again.Attempts != 2 {
		t.Fatalf("ClaimTask(rescheduled) = %+v, %v", again, err)
	}
	if err := st.DeleteTask(ctx, again.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if due, _ := st.ClaimDueTasks(ctx, now.Add(time.Hour), time.Minute, 10); len(due) != 0 {
		t.Fatalf("ClaimDueTasks(after delete) = %d tasks, want 0", len(due))
	}
}

func testCatalog(t *testing.T, open func(t *testing.T) (wager.Store, Seeder)) {
	st, seed := open(t)
	ctx := context.Background()
	seed.PutCase(&wager.Case{ID: "c1", Name: "Starter", Price: 100, Items: []wager.Item{
		{ID: "c1-a", Name: "A", Price: 50, Percentage: 80},
		{ID: "c1-b", Name: "B", Price: 400, Percentage: 20},
	}})
	c, err := st.GetCase(ctx, "c1")
	if err != nil || len(c.Items) != 2 || c.Items[1].Percentage != 20 {
		t.Fatalf("GetCase() = %+v, %v", c, err)
	}
	if _, err := st.GetCase(ctx, "nope"); !errors.Is(err, wager.ErrCaseNotFound) {
		t.Fatalf("GetCase(missing) error = %v, want ErrCaseNotFound", err)
	}
}
