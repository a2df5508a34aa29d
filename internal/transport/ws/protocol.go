package ws

import (
	"encoding/json"
	"strings"

	"wagercore/internal/fairness"
	"wagercore/internal/wager"
)

const (
	EventMinesStart     = "mines:start"
	EventMinesReveal    = "mines:reveal"
	EventMinesCashout   = "mines:cashout"
	EventMinesState     = "mines:state"
	EventBattlesCreate  = "battles:create"
	EventBattlesJoin    = "battles:join"
	EventBattlesLeave   = "battles:leave"
	EventBattlesSponsor = "battles:sponsor"
	EventBattlesDetails = "battles:details"
	EventBattlesGames   = "battles:games"
	EventBattlesWatch   = "battles:subscribe"
	EventBattlesUnwatch = "battles:unsubscribe"
	EventUnboxOpen      = "unbox:open"
	EventBalance        = "wallet:balance"
)

const maxClientSeed = 64

// Envelope is every inbound frame and every reply. Broadcasts carry no ID.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request is a decoded, typed payload. Validate runs once, before dispatch.
type Request interface {
	Validate() error
}

type MinesStartRequest struct {
	BetAmount  int64  `json:"betAmount"`
	MineCount  int    `json:"mineCount"`
	ClientSeed string `json:"clientSeed"`
}

func (r *MinesStartRequest) Validate() error {
	if r.BetAmount <= 0 {
		return wager.ErrInvalidBetAmount
	}
	if r.MineCount < fairness.MinMines || r.MineCount > fairness.MaxMines {
		return wager.ErrInvalidMineCount
	}
	return validSeed(r.ClientSeed)
}

type MinesRevealRequest struct {
	Index *int `json:"index"`
}

func (r *MinesRevealRequest) Validate() error {
	if r.Index == nil || *r.Index < 0 || *r.Index >= fairness.BoardSize {
		return wager.ErrInvalidCell
	}
	return nil
}

type EmptyRequest struct{}

func (*EmptyRequest) Validate() error { return nil }

type BattlesCreateRequest struct {
	Cases      []string `json:"cases"`
	Gamemode   string   `json:"gamemode"`
	IsPrivate  bool     `json:"isPrivate"`
	IsReversed bool     `json:"isReversed"`
	IsBot      bool     `json:"isBot"`
}

func (r *BattlesCreateRequest) Validate() error {
	if wager.BattleMode(r.Gamemode).Seats() == 0 {
		return wager.ErrInvalidMode
	}
	if len(r.Cases) == 0 {
		return wager.ErrInvalidCases
	}
	for _, c := range r.Cases {
		if strings.TrimSpace(c) == "" {
			return wager.ErrInvalidCases
		}
	}
	return nil
}

type BattlesJoinRequest struct {
	RoomID    string `json:"roomId"`
	Spot      *int   `json:"spot"`
	AddingBot bool   `json:"addingBot"`
}

func (r *BattlesJoinRequest) Validate() error {
	if r.RoomID == "" {
		return wager.ErrInvalidRequest
	}
	if r.Spot != nil && (*r.Spot < 0 || *r.Spot > 3) {
		return wager.ErrInvalidSeat
	}
	return nil
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *RoomRequest) Validate() error {
	if r.RoomID == "" {
		return wager.ErrInvalidRequest
	}
	return nil
}

type BattlesSponsorRequest struct {
	RoomID string `json:"roomId"`
	Spot   *int   `json:"spot"`
}

func (r *BattlesSponsorRequest) Validate() error {
	if r.RoomID == "" {
		return wager.ErrInvalidRequest
	}
	if r.Spot == nil || *r.Spot < 0 || *r.Spot > 3 {
		return wager.ErrInvalidSeat
	}
	return nil
}

type UnboxOpenRequest struct {
	CaseID     string `json:"caseId"`
	ClientSeed string `json:"clientSeed"`
}

func (r *UnboxOpenRequest) Validate() error {
	if r.CaseID == "" {
		return wager.ErrInvalidRequest
	}
	return validSeed(r.ClientSeed)
}

func validSeed(s string) error {
	if len(s) > maxClientSeed {
		return wager.ErrInvalidRequest
	}
	return nil
}

var requestTypes = map[string]func() Request{
	EventMinesStart:     func() Request { return &MinesStartRequest{} },
	EventMinesReveal:    func() Request { return &MinesRevealRequest{} },
	EventMinesCashout:   func() Request { return &EmptyRequest{} },
	EventMinesState:     func() Request { return &EmptyRequest{} },
	EventBattlesCreate:  func() Request { return &BattlesCreateRequest{} },
	EventBattlesJoin:    func() Request { return &BattlesJoinRequest{} },
	EventBattlesLeave:   func() Request { return &RoomRequest{} },
	EventBattlesSponsor: func() Request { return &BattlesSponsorRequest{} },
	EventBattlesDetails: func() Request { return &RoomRequest{} },
	EventBattlesGames:   func() Request { return &EmptyRequest{} },
	EventBattlesWatch:   func() Request { return &RoomRequest{} },
	EventBattlesUnwatch: func() Request { return &RoomRequest{} },
	EventUnboxOpen:      func() Request { return &UnboxOpenRequest{} },
	EventBalance:        func() Request { return &EmptyRequest{} },
}

// Decode turns an envelope into its typed, validated request.
func Decode(env Envelope) (Request, error) {
	mk, ok := requestTypes[env.Event]
	if !ok {
		return nil, wager.ErrInvalidRequest
	}
	req := mk()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, req); err != nil {
			return nil, wager.ErrInvalidRequest
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type ErrorReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// successReply merges status into the fields of v. Non-object values go
// under "result".
func successReply(v any) (json.RawMessage, error) {
	out := map[string]any{}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			out = map[string]any{"result": json.RawMessage(b)}
		}
	}
	out["status"] = StatusSuccess
	return json.Marshal(out)
}
