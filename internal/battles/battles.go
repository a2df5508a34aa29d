// Package battles is the multi-round game: players fill the seats of a room,
// every seat opens the same cases round by round and the best (or, reversed,
// the worst) haul takes the pot.
package battles

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"math"
	"time"

	"wagercore/internal/bus"
	"wagercore/internal/cache"
	"wagercore/internal/fairness"
	"wagercore/internal/ledger"
	"wagercore/internal/lock"
	"wagercore/internal/payout"
	"wagercore/internal/retry"
	"wagercore/internal/schedule"
	"wagercore/internal/sessionstore"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

var (
	metricRoomsCreated  = expvar.NewInt("battles_created_total")
	metricRoomsSettled  = expvar.NewInt("battles_settled_total")
	metricRoomsCanceled = expvar.NewInt("battles_canceled_total")
)

const (
	EventCreated = "battles:created"
	EventJoin    = "battles:join"
	EventLeave   = "battles:leave"
	EventSponsor = "battles:sponsor"
	EventStart   = "battles:start"
	EventSpin    = "battles:spin"
	EventResult  = "battles:result"
	EventProof   = "battles:proof"
	EventClosed  = "battles:closed"
)

const activeKey = "battles:active"

type Config struct {
	HouseEdge   float64
	MaxWin      int64
	MaxCaseCost int64
	MaxCases    int
	SpinDelay   time.Duration
	StartDelay  time.Duration
	Retention   time.Duration
	// SpinTimeout frees a spin gate whose holder never finished.
	SpinTimeout time.Duration
	CacheTTL    time.Duration
	CAS         retry.Policy
}

type Service struct {
	store   wager.Store
	cache   cache.Store
	locks   *lock.Mutex
	rooms   *sessionstore.Store[wager.Room]
	payouts *payout.Queue
	sched   *schedule.Scheduler
	bus     bus.Publisher
	cfg     Config
	now     func() time.Time
}

// New builds the service and registers its task handlers on sched.
func New(store wager.Store, c cache.Store, locks *lock.Mutex, payouts *payout.Queue, sched *schedule.Scheduler, pub bus.Publisher, cfg Config) *Service {
	if cfg.MaxCases <= 0 {
		cfg.MaxCases = 50
	}
	if cfg.SpinTimeout <= 0 {
		cfg.SpinTimeout = 30 * time.Second
	}
	s := &Service{
		store:   store,
		cache:   c,
		locks:   locks,
		rooms:   sessionstore.New[wager.Room](c, "battles:room:", cfg.CacheTTL, store.GetRoom, cfg.CAS),
		payouts: payouts,
		sched:   sched,
		bus:     pub,
		cfg:     cfg,
		now:     time.Now,
	}
	s.registerTasks()
	return s
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

type CreateRequest struct {
	Cases      []string
	Mode       wager.BattleMode
	IsPrivate  bool
	IsReversed bool
	// IsBot fills every other seat with a bot paid by the creator.
	IsBot bool
}

// Cost is the per-seat price of a room with the given case prices.
func Cost(caseTotal int64, houseEdge float64) int64 {
	c := float64(caseTotal) * (1 + houseEdge)
	return int64(math.Ceil(math.Round(c*1e6) / 1e6))
}

func (s *Service) Create(ctx context.Context, creatorID string, req CreateRequest) (*wager.Room, error) {
	seats := req.Mode.Seats()
	if seats == 0 {
		return nil, wager.ErrInvalidMode
	}
	if len(req.Cases) == 0 || len(req.Cases) > s.cfg.MaxCases {
		return nil, wager.ErrInvalidCases
	}
	var caseTotal int64
	for _, id := range req.Cases {
		c, err := s.store.GetCase(ctx, id)
		if err != nil {
			return nil, err
		}
		caseTotal += c.Price
	}
	if s.cfg.MaxCaseCost > 0 && caseTotal > s.cfg.MaxCaseCost {
		return nil, wager.ErrCaseCostExceeded
	}

	room := &wager.Room{
		ID:         wager.NewID(),
		CreatorID:  creatorID,
		Mode:       req.Mode,
		Status:     wager.RoomWaiting,
		Seats:      make([]*wager.Seat, seats),
		Sponsored:  make([]bool, seats),
		Payers:     make([]string, seats),
		Cases:      append([]string(nil), req.Cases...),
		Items:      [][]wager.DrawnItem{},
		Cost:       Cost(caseTotal, s.cfg.HouseEdge),
		IsPrivate:  req.IsPrivate,
		IsReversed: req.IsReversed,
	}
	seed, err := fairness.NewSeed(room.ID, 0)
	if err != nil {
		return nil, err
	}
	room.Seed = seed
	room.Seats[0] = &wager.Seat{UserID: creatorID}
	room.Payers[0] = creatorID
	paid := int64(1)
	if req.IsBot {
		for i := 1; i < seats; i++ {
			room.Seats[i] = botSeat(i)
			room.Payers[i] = creatorID
			paid++
		}
	}

	err = s.locks.With(ctx, lock.UserKey(creatorID), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
			wallet, err := ledger.New(tx).WalletType(ctx, creatorID)
			if err != nil {
				return err
			}
			room.WalletType = wallet
			if _, err := ledger.New(tx).DebitStake(ctx, creatorID, wager.GameBattles, room.ID, room.Cost*paid); err != nil {
				return err
			}
			if err := tx.InsertRoom(ctx, room); err != nil {
				return err
			}
			if room.Full() {
				return s.scheduleStart(ctx, tx, room.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	metricRoomsCreated.Add(1)
	log.Debug().Str("room_id", room.ID).Str("user_id", creatorID).Str("mode", string(room.Mode)).Int64("cost", room.Cost).Msg("battle created")
	s.cacheRoom(ctx, room)
	if err := s.cache.SetAdd(ctx, activeKey, room.ID); err != nil {
		log.Warn().Err(err).Str("room_id", room.ID).Msg("add active room failed")
	}
	pub := room.Public()
	if !room.IsPrivate {
		bus.Emit(ctx, s.bus, bus.LobbyTopic, EventCreated, pub)
	}
	return &pub, nil
}

func botSeat(i int) *wager.Seat {
	return &wager.Seat{UserID: fmt.Sprintf("bot-%d", i), Bot: true}
}

type JoinRequest struct {
	RoomID string
	// Seat is the requested seat; nil takes the first free one.
	Seat      *int
	AddingBot bool
}

// Join claims a seat. Concurrent claims race on the room version; the loser
// retries against the fresh document.
func (s *Service) Join(ctx context.Context, userID string, req JoinRequest) (*wager.Room, error) {
	var seat int
	room, err := s.mutate(ctx, req.RoomID, func(ctx context.Context, tx wager.Repository, room *wager.Room) error {
		if room.Status != wager.RoomWaiting {
			return wager.ErrRoomNotJoinable
		}
		seat = room.FirstFree()
		if req.Seat != nil {
			seat = *req.Seat
			if seat < 0 || seat >= len(room.Seats) {
				return wager.ErrInvalidSeat
			}
			if room.Seats[seat] != nil {
				return wager.ErrSeatTaken
			}
		}
		if seat < 0 {
			return wager.ErrRoomFull
		}
		l := ledger.New(tx)
		if req.AddingBot {
			if userID != room.CreatorID {
				return wager.ErrNotCreator
			}
			if !room.Sponsored[seat] {
				if _, err := l.DebitStake(ctx, userID, wager.GameBattles, room.ID, room.Cost); err != nil {
					return err
				}
			}
			room.Seats[seat] = botSeat(seat)
			room.Payers[seat] = userID
		} else {
			if room.SeatOf(userID) >= 0 {
				return wager.ErrAlreadyInRoom
			}
			wallet, err := l.WalletType(ctx, userID)
			if err != nil {
				return err
			}
			if wallet != room.WalletType {
				return wager.ErrWalletMismatch
			}
			if !room.Sponsored[seat] {
				if _, err := l.DebitStake(ctx, userID, wager.GameBattles, room.ID, room.Cost); err != nil {
					return err
				}
				room.Payers[seat] = userID
			}
			room.Seats[seat] = &wager.Seat{UserID: userID}
		}
		if room.Full() {
			return s.scheduleStart(ctx, tx, room.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("room_id", room.ID).Str("user_id", userID).Int("seat", seat).Bool("bot", req.AddingBot).Msg("battle seat claimed")
	s.emitRoom(ctx, room, EventJoin, SeatEvent{RoomID: room.ID, Seat: seat, Occupant: room.Seats[seat]})
	pub := room.Public()
	return &pub, nil
}

// Leave frees the caller's seat in a waiting room. The creator leaving closes
// the room and refunds every payer.
func (s *Service) Leave(ctx context.Context, userID, roomID string) (*wager.Room, error) {
	var seat int
	room, err := s.mutate(ctx, roomID, func(ctx context.Context, tx wager.Repository, room *wager.Room) error {
		if room.Status != wager.RoomWaiting {
			return wager.ErrRoomNotJoinable
		}
		seat = room.SeatOf(userID)
		if seat < 0 {
			return wager.ErrNotInRoom
		}
		l := ledger.New(tx)
		if userID == room.CreatorID {
			for i, payer := range room.Payers {
				if payer == "" {
					continue
				}
				if _, err := l.Refund(ctx, payer, wager.GameBattles, room.ID, room.Cost); err != nil {
					return err
				}
				room.Payers[i] = ""
			}
			now := s.now().UTC()
			room.Status = wager.RoomFinished
			room.FinishedAt = &now
			room.Seed.Reveal()
			return s.scheduleCleanup(ctx, tx, room.ID)
		}
		if payer := room.Payers[seat]; payer != "" {
			if _, err := l.Refund(ctx, payer, wager.GameBattles, room.ID, room.Cost); err != nil {
				return err
			}
		}
		room.Seats[seat] = nil
		room.Payers[seat] = ""
		room.Sponsored[seat] = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	if room.Status == wager.RoomFinished {
		metricRoomsCanceled.Add(1)
		s.deactivate(ctx, room.ID)
		s.emitRoom(ctx, room, EventClosed, ClosedEvent{RoomID: room.ID, Reason: "creator_left"})
	} else {
		s.emitRoom(ctx, room, EventLeave, SeatEvent{RoomID: room.ID, Seat: seat})
	}
	pub := room.Public()
	return &pub, nil
}

// Sponsor prepays an empty seat so its occupant joins for free.
func (s *Service) Sponsor(ctx context.Context, userID, roomID string, seat int) (*wager.Room, error) {
	room, err := s.mutate(ctx, roomID, func(ctx context.Context, tx wager.Repository, room *wager.Room) error {
		if room.Status != wager.RoomWaiting {
			return wager.ErrRoomNotJoinable
		}
		if userID != room.CreatorID {
			return wager.ErrNotCreator
		}
		if seat < 0 || seat >= len(room.Seats) {
			return wager.ErrInvalidSeat
		}
		if room.SeatOf(userID) == seat {
			return wager.ErrCannotSponsorOwnSeat
		}
		if room.Sponsored[seat] {
			return wager.ErrSeatAlreadySponsored
		}
		if room.Seats[seat] != nil {
			return wager.ErrSeatTaken
		}
		if _, err := ledger.New(tx).DebitStake(ctx, userID, wager.GameBattles, room.ID, room.Cost); err != nil {
			return err
		}
		room.Sponsored[seat] = true
		room.Payers[seat] = userID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emitRoom(ctx, room, EventSponsor, SeatEvent{RoomID: room.ID, Seat: seat, Sponsored: true})
	pub := room.Public()
	return &pub, nil
}

func (s *Service) Details(ctx context.Context, roomID string) (*wager.Room, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if errors.Is(err, wager.ErrNotFound) {
		return nil, wager.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	pub := room.Public()
	return &pub, nil
}

// List returns public rooms that are not finished, newest first when read
// from the durable store.
func (s *Service) List(ctx context.Context, limit int) ([]wager.Room, error) {
	ids, err := s.cache.SetMembers(ctx, activeKey)
	if err != nil || len(ids) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("read active rooms failed; listing from store")
		}
		rooms, err := s.store.ListOpenRooms(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]wager.Room, 0, len(rooms))
		for _, r := range rooms {
			out = append(out, r.Public())
		}
		return out, nil
	}
	out := make([]wager.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.rooms.Get(ctx, id)
		if errors.Is(err, wager.ErrNotFound) {
			s.deactivate(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if room.IsPrivate || room.Status == wager.RoomFinished {
			continue
		}
		out = append(out, room.Public())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// errUnchanged is returned by a mutate fn that left the room as it was; the
// room is returned without a write.
var errUnchanged = errors.New("room unchanged")

// mutate applies fn to the durable room inside one transaction and retries
// the whole transaction when another writer moved the room first.
func (s *Service) mutate(ctx context.Context, roomID string, fn func(ctx context.Context, tx wager.Repository, room *wager.Room) error) (*wager.Room, error) {
	unchanged := false
	room, err := retry.Value(ctx, s.cfg.CAS, func(err error) bool { return errors.Is(err, wager.ErrConflict) }, func(ctx context.Context) (*wager.Room, error) {
		var out *wager.Room
		unchanged = false
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
			room, err := tx.GetRoom(ctx, roomID)
			if errors.Is(err, wager.ErrNotFound) {
				return wager.ErrRoomNotFound
			}
			if err != nil {
				return err
			}
			out = room
			if err := fn(ctx, tx, room); err != nil {
				return err
			}
			return tx.UpdateRoom(ctx, room)
		})
		if errors.Is(err, errUnchanged) {
			unchanged = true
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if !unchanged {
		s.cacheRoom(ctx, room)
	}
	return room, nil
}

type SeatEvent struct {
	RoomID    string      `json:"roomId"`
	Seat      int         `json:"spot"`
	Occupant  *wager.Seat `json:"occupant,omitempty"`
	Sponsored bool        `json:"sponsored,omitempty"`
}

type ClosedEvent struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

func (s *Service) emitRoom(ctx context.Context, room *wager.Room, name string, data any) {
	bus.Emit(ctx, s.bus, bus.RoomTopic(room.ID), name, data)
	if !room.IsPrivate {
		bus.Emit(ctx, s.bus, bus.LobbyTopic, name, data)
	}
}

func (s *Service) cacheRoom(ctx context.Context, room *wager.Room) {
	if err := s.rooms.Set(ctx, room.ID, room); err != nil {
		log.Warn().Err(err).Str("room_id", room.ID).Msg("cache room failed")
		_ = s.rooms.Delete(ctx, room.ID)
	}
}

func (s *Service) deactivate(ctx context.Context, roomID string) {
	if err := s.cache.SetRemove(ctx, activeKey, roomID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("remove active room failed")
	}
}
