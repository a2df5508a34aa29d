package wager

import (
	"encoding/json"
	"time"

	"wagercore/internal/fairness"
)

type GameKind string

const (
	GameMines   GameKind = "mines"
	GameBattles GameKind = "battles"
	GameUnbox   GameKind = "unbox"
)

// Account is a balance holder. Amounts are integer cents (cc).
type Account struct {
	UserID     string    `json:"user_id"`
	Balance    int64     `json:"balance_cc"`
	WalletType string    `json:"wallet_type"`
	IsBot      bool      `json:"is_bot"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entry describes why a balance moved.
type Entry struct {
	Type    string
	RefType string
	RefID   string
}

type MinesStatus string

const (
	MinesOngoing   MinesStatus = "ongoing"
	MinesCompleted MinesStatus = "completed"
	MinesLost      MinesStatus = "lost"
	MinesAbandoned MinesStatus = "abandoned"
)

type Cell uint8

const (
	CellHidden Cell = iota
	CellMine
	CellRevealed
)

// MinesSession is the single-round game document.
type MinesSession struct {
	ID                string                   `json:"id"`
	UserID            string                   `json:"user_id"`
	Status            MinesStatus              `json:"status"`
	Board             [fairness.BoardSize]Cell `json:"board"`
	BetAmount         int64                    `json:"bet_amount"`
	MineCount         int                      `json:"mine_count"`
	CurrentMultiplier float64                  `json:"current_multiplier"`
	NextMultiplier    float64                  `json:"next_multiplier"`
	Payout            int64                    `json:"payout"`
	Seed              fairness.Seed            `json:"seed"`
	Version           int64                    `json:"version"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// Revealed counts safe cells already uncovered.
func (s *MinesSession) Revealed() int {
	n := 0
	for _, c := range s.Board {
		if c == CellRevealed {
			n++
		}
	}
	return n
}

// Unrevealed counts cells not yet uncovered, mines included.
func (s *MinesSession) Unrevealed() int {
	return fairness.BoardSize - s.Revealed()
}

// SafeRemaining counts safe cells still hidden.
func (s *MinesSession) SafeRemaining() int {
	return s.Unrevealed() - s.MineCount
}

func (s *MinesSession) Mines() []int {
	out := make([]int, 0, s.MineCount)
	for i, c := range s.Board {
		if c == CellMine {
			out = append(out, i)
		}
	}
	return out
}

type BattleMode string

const (
	Mode1v1     BattleMode = "1v1"
	Mode1v1v1   BattleMode = "1v1v1"
	Mode1v1v1v1 BattleMode = "1v1v1v1"
	Mode2v2     BattleMode = "2v2"
)

// Seats returns the fixed seat count for the mode, or 0 when unknown.
func (m BattleMode) Seats() int {
	switch m {
	case Mode1v1:
		return 2
	case Mode1v1v1:
		return 3
	case Mode1v1v1v1, Mode2v2:
		return 4
	default:
		return 0
	}
}

func (m BattleMode) Team() bool { return m == Mode2v2 }

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomInGame   RoomStatus = "in-game"
	RoomFinished RoomStatus = "finished"
)

type Seat struct {
	UserID string `json:"user_id"`
	Bot    bool   `json:"bot,omitempty"`
}

type DrawnItem struct {
	ItemID string `json:"item_id"`
	Name   string `json:"name"`
	Price  int64  `json:"price_cc"`
	Ticket int    `json:"ticket"`
}

// Room is the battle document. Per-seat slices always have Mode.Seats()
// entries; Items is indexed [round][seat].
type Room struct {
	ID            string        `json:"id"`
	CreatorID     string        `json:"creator_id"`
	Mode          BattleMode    `json:"mode"`
	Status        RoomStatus    `json:"status"`
	Seats         []*Seat       `json:"seats"`
	Sponsored     []bool        `json:"sponsored"`
	Payers        []string      `json:"payers"`
	Cases         []string      `json:"cases"`
	Round         int           `json:"round"`
	Items         [][]DrawnItem `json:"items"`
	Cost          int64         `json:"cost_cc"`
	IsSpinning    bool          `json:"is_spinning"`
	SpinStartedAt *time.Time    `json:"spin_started_at,omitempty"`
	IsPrivate     bool          `json:"is_private"`
	IsReversed    bool          `json:"is_reversed"`
	WalletType    string        `json:"wallet_type"`
	Totals        []int64       `json:"totals,omitempty"`
	Earnings      []int64       `json:"earnings,omitempty"`
	Winners       []int         `json:"winners,omitempty"`
	Seed          fairness.Seed `json:"seed"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// SeatOf returns the seat index held by userID, or -1.
func (r *Room) SeatOf(userID string) int {
	for i, s := range r.Seats {
		if s != nil && !s.Bot && s.UserID == userID {
			return i
		}
	}
	return -1
}

func (r *Room) Full() bool {
	for _, s := range r.Seats {
		if s == nil {
			return false
		}
	}
	return true
}

// FirstFree returns the lowest empty seat, or -1.
func (r *Room) FirstFree() int {
	for i, s := range r.Seats {
		if s == nil {
			return i
		}
	}
	return -1
}

func (r *Room) Rounds() int { return len(r.Cases) }

// Staked is what userID paid into the room: one cost per seat they paid for.
func (r *Room) Staked(userID string) int64 {
	var n int64
	for _, p := range r.Payers {
		if p == userID {
			n++
		}
	}
	return n * r.Cost
}

// Public strips the unrevealed server seed.
func (r *Room) Public() Room {
	out := *r
	out.Seed = r.Seed.Public()
	return out
}

type HistoryRecord struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	GameKind  GameKind      `json:"game_kind"`
	RefID     string        `json:"ref_id"`
	Wager     int64         `json:"wager_cc"`
	Earning   int64         `json:"earning_cc"`
	Fairness  fairness.Seed `json:"fairness"`
	CreatedAt time.Time     `json:"created_at"`
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// PendingPayout is written before the balance mutation it describes.
type PendingPayout struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	BetAmount     int64           `json:"bet_cc"`
	PayoutAmount  int64           `json:"payout_cc"`
	GameKind      GameKind        `json:"game_kind"`
	GameData      json.RawMessage `json:"game_data"`
	Status        PayoutStatus    `json:"status"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	FailureReason string          `json:"failure_reason,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LeaseID       string          `json:"lease_id,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *PendingPayout) Terminal() bool {
	return p.Status == PayoutCompleted || p.Status == PayoutFailed
}

// Task is a durable deferred callback. Key is unique; scheduling the same
// key again replaces the pending run.
type Task struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

type Case struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price_cc"`
	Items []Item `json:"items"`
}

// Item is a weighted case entry. Percentages of a case sum to 100.
type Item struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Price      int64   `json:"price_cc"`
	Percentage float64 `json:"percentage"`
}

func (c *Case) Percentages() []float64 {
	out := make([]float64, len(c.Items))
	for i, it := range c.Items {
		out[i] = it.Percentage
	}
	return out
}

// Draw maps a ticket to an item of the case.
func (c *Case) Draw(ticket int) (Item, bool) {
	idx := fairness.Pick(c.Percentages(), fairness.PercentageFromTicket(ticket))
	if idx < 0 {
		return Item{}, false
	}
	return c.Items[idx], true
}
