package wager

import "testing"

func TestBattleModeSeats(t *testing.T) {
	cases := map[BattleMode]int{Mode1v1: 2, Mode1v1v1: 3, Mode1v1v1v1: 4, Mode2v2: 4, "5v5": 0}
	for mode, want := range cases {
		if got := mode.Seats(); got != want {
			t.Fatalf("%s.Seats() = %d, want %d", mode, got, want)
		}
	}
	if !Mode2v2.Team() || Mode1v1v1v1.Team() {
		t.Fatal("only 2v2 is a team mode")
	}
}

func TestMinesSessionCounts(t *testing.T) {
	s := &MinesSession{MineCount: 3}
	s.Board[0] = CellMine
	s.Board[1] = CellMine
	s.Board[2] = CellMine
	s.Board[10] = CellRevealed
	if got := s.Revealed(); got != 1 {
		t.Fatalf("Revealed() = %d, want 1", got)
	}
	if got := s.SafeRemaining(); got != 21 {
		t.Fatalf("SafeRemaining() = %d, want 21", got)
	}
	if got := s.Mines(); len(got) != 3 || got[2] != 2 {
		t.Fatalf("Mines() = %v", got)
	}
}

func TestCaseDraw(t *testing.T) {
	c := &Case{Items: []Item{
		{ID: "a", Percentage: 90},
		{ID: "b", Percentage: 10},
	}}
	if it, _ := c.Draw(0); it.ID != "a" {
		t.Fatalf("Draw(0) = %s, want a", it.ID)
	}
	if it, _ := c.Draw(95000); it.ID != "b" {
		t.Fatalf("Draw(95000) = %s, want b", it.ID)
	}
	if _, ok := (&Case{}).Draw(1); ok {
		t.Fatal("Draw on empty case succeeded")
	}
}

func TestRoomSeats(t *testing.T) {
	r := &Room{Seats: []*Seat{{UserID: "u1"}, nil, {UserID: "bot-1", Bot: true}}}
	if r.Full() {
		t.Fatal("room with empty seat reported full")
	}
	if got := r.FirstFree(); got != 1 {
		t.Fatalf("FirstFree() = %d, want 1", got)
	}
	if got := r.SeatOf("u1"); got != 0 {
		t.Fatalf("SeatOf(u1) = %d, want 0", got)
	}
	if got := r.SeatOf("bot-1"); got != -1 {
		t.Fatalf("SeatOf(bot) = %d, want -1", got)
	}
}

func TestRoomStaked(t *testing.T) {
	r := &Room{Cost: 105, Payers: []string{"u1", "u1", "", "u1"}}
	if got := r.Staked("u1"); got != 315 {
		t.Fatalf("Staked(u1) = %d, want 315", got)
	}
	if got := r.Staked("u2"); got != 0 {
		t.Fatalf("Staked(u2) = %d, want 0", got)
	}
}
