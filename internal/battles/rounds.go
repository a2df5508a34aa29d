package battles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wagercore/internal/bus"
	"wagercore/internal/fairness"
	"wagercore/internal/retry"
	"wagercore/internal/schedule"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

const (
	TaskStart   = "battles.start"
	TaskSpin    = "battles.spin"
	TaskResult  = "battles.result"
	TaskCleanup = "battles.cleanup"
)

var (
	errSpinSkipped = errors.New("spin not applicable")
	errSpinHeld    = errors.New("spin gate held")
)

type taskPayload struct {
	RoomID string `json:"room_id"`
	Round  int    `json:"round"`
}

func (s *Service) registerTasks() {
	if s.sched == nil {
		return
	}
	s.sched.Handle(TaskStart, s.taskHandler(s.Start))
	s.sched.Handle(TaskSpin, func(ctx context.Context, t *wager.Task) error {
		p, err := schedule.Decode[taskPayload](t)
		if err != nil {
			return retry.Permanent(err)
		}
		return s.Spin(ctx, p.RoomID, p.Round)
	})
	s.sched.Handle(TaskResult, s.taskHandler(s.Result))
	s.sched.Handle(TaskCleanup, s.taskHandler(s.Cleanup))
}

func (s *Service) taskHandler(fn func(ctx context.Context, roomID string) error) schedule.Handler {
	return func(ctx context.Context, t *wager.Task) error {
		p, err := schedule.Decode[taskPayload](t)
		if err != nil {
			return retry.Permanent(err)
		}
		err = fn(ctx, p.RoomID)
		if errors.Is(err, wager.ErrRoomNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
}

func (s *Service) scheduleStart(ctx context.Context, tx wager.TaskRepository, roomID string) error {
	if s.sched == nil {
		return nil
	}
	return s.sched.ScheduleTx(ctx, tx, TaskStart, TaskStart+":"+roomID, s.cfg.StartDelay, taskPayload{RoomID: roomID})
}

func (s *Service) scheduleSpin(ctx context.Context, tx wager.TaskRepository, roomID string, round int) error {
	if s.sched == nil {
		return nil
	}
	key := fmt.Sprintf("%s:%s:%d", TaskSpin, roomID, round)
	delay := s.cfg.SpinDelay
	if round == 0 {
		delay = 0
	}
	return s.sched.ScheduleTx(ctx, tx, TaskSpin, key, delay, taskPayload{RoomID: roomID, Round: round})
}

func (s *Service) scheduleResult(ctx context.Context, tx wager.TaskRepository, roomID string) error {
	if s.sched == nil {
		return nil
	}
	return s.sched.ScheduleTx(ctx, tx, TaskResult, TaskResult+":"+roomID, s.cfg.SpinDelay, taskPayload{RoomID: roomID})
}

func (s *Service) scheduleCleanup(ctx context.Context, tx wager.TaskRepository, roomID string) error {
	if s.sched == nil {
		return nil
	}
	return s.sched.ScheduleTx(ctx, tx, TaskCleanup, TaskCleanup+":"+roomID, s.cfg.Retention, taskPayload{RoomID: roomID})
}

type StartEvent struct {
	RoomID               string `json:"roomId"`
	ServerSeedCommitment string `json:"serverSeedCommitment"`
	PublicSeed           string `json:"publicSeed"`
	Rounds               int    `json:"rounds"`
}

// Start moves a full waiting room into play. Rooms already past waiting are
// left alone.
func (s *Service) Start(ctx context.Context, roomID string) error {
	started := false
	room, err := s.mutate(ctx, roomID, func(ctx context.Context, tx wager.Repository, room *wager.Room) error {
		started = false
		if room.Status != wager.RoomWaiting || !room.Full() {
			return errUnchanged
		}
		public, err := fairness.NewClientSeed()
		if err != nil {
			return err
		}
		room.Seed.PublicSeed = public
		room.Status = wager.RoomInGame
		room.Round = 0
		started = true
		return s.scheduleSpin(ctx, tx, room.ID, 0)
	})
	if err != nil || !started {
		return err
	}
	log.Info().Str("room_id", room.ID).Str("mode", string(room.Mode)).Msg("battle started")
	s.emitRoom(ctx, room, EventStart, StartEvent{
		RoomID:               room.ID,
		ServerSeedCommitment: room.Seed.ServerSeedCommitment,
		PublicSeed:           room.Seed.PublicSeed,
		Rounds:               room.Rounds(),
	})
	return nil
}

type SpinEvent struct {
	RoomID string            `json:"roomId"`
	Round  int               `json:"round"`
	Items  []wager.DrawnItem `json:"items"`
}

// Spin draws one round for every seat. The spinning flag on the cached room
// admits a single spinner per room; the round check in the durable write
// catches anything the cache missed. A held gate is reported as busy until the
// durable round moves on, so the task retries after the gate's timeout.
func (s *Service) Spin(ctx context.Context, roomID string, round int) error {
	var heldUntil time.Time
	_, err := s.rooms.Update(ctx, roomID, func(room *wager.Room) error {
		if room.Status == wager.RoomFinished || room.Round > round {
			return errSpinSkipped
		}
		if room.IsSpinning && room.SpinStartedAt != nil && s.now().Sub(*room.SpinStartedAt) < s.cfg.SpinTimeout {
			heldUntil = room.SpinStartedAt.Add(s.cfg.SpinTimeout)
			return errSpinHeld
		}
		now := s.now().UTC()
		room.IsSpinning = true
		room.SpinStartedAt = &now
		return nil
	})
	if errors.Is(err, errSpinSkipped) {
		return nil
	}
	if errors.Is(err, errSpinHeld) {
		return s.spinHeld(ctx, roomID, round, heldUntil)
	}
	if errors.Is(err, wager.ErrNotFound) {
		return wager.ErrRoomNotFound
	}
	if err != nil {
		return err
	}

	var drawn []wager.DrawnItem
	room, err := s.mutate(ctx, roomID, func(ctx context.Context, tx wager.Repository, room *wager.Room) error {
		if room.Status != wager.RoomInGame || room.Round != round || round >= room.Rounds() {
			return errSpinSkipped
		}
		c, err := tx.GetCase(ctx, room.Cases[round])
		if err != nil {
			return err
		}
		drawn = make([]wager.DrawnItem, len(room.Seats))
		for seat := range room.Seats {
			ticket := fairness.BattleTicket(room.Seed.ServerSeed, room.ID, seat, round, room.Seed.PublicSeed)
			item, ok := c.Draw(ticket)
			if !ok {
				return retry.Permanent(fmt.Errorf("case %s has no items", c.ID))
			}
			drawn[seat] = wager.DrawnItem{ItemID: item.ID, Name: item.Name, Price: item.Price, Ticket: ticket}
		}
		room.Items = append(room.Items, drawn)
		room.Round++
		room.IsSpinning = false
		room.SpinStartedAt = nil
		if room.Round < room.Rounds() {
			return s.scheduleSpin(ctx, tx, room.ID, room.Round)
		}
		return s.scheduleResult(ctx, tx, room.ID)
	})
	if err != nil {
		s.releaseSpin(ctx, roomID)
		if errors.Is(err, errSpinSkipped) {
			return nil
		}
		log.Warn().Err(err).Str("room_id", roomID).Int("round", round).Msg("battle spin failed")
		return err
	}
	log.Debug().Str("room_id", roomID).Int("round", round).Msg("battle spin")
	s.emitRoom(ctx, room, EventSpin, SpinEvent{RoomID: room.ID, Round: round, Items: drawn})
	return nil
}

// spinHeld decides what a spin that found the gate taken reports. Only a
// durable round already past round counts as done.
func (s *Service) spinHeld(ctx context.Context, roomID string, round int, heldUntil time.Time) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, wager.ErrNotFound) {
		return wager.ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if room.Status != wager.RoomInGame || room.Round > round {
		return nil
	}
	wait := heldUntil.Sub(s.now())
	if wait < time.Second {
		wait = time.Second
	}
	return schedule.RetryAfter(wait, fmt.Errorf("%w: room %s round %d is spinning", wager.ErrBusy, roomID, round))
}

func (s *Service) releaseSpin(ctx context.Context, roomID string) {
	_, err := s.rooms.Update(ctx, roomID, func(room *wager.Room) error {
		room.IsSpinning = false
		room.SpinStartedAt = nil
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("release spin gate failed; timeout will free it")
		_ = s.rooms.Delete(ctx, roomID)
	}
}

type ResultEvent struct {
	RoomID   string  `json:"roomId"`
	Totals   []int64 `json:"totals"`
	Winners  []int   `json:"winners"`
	Earnings []int64 `json:"earnings"`
	Pot      int64   `json:"pot"`
}

type ProofEvent struct {
	RoomID               string `json:"roomId"`
	ServerSeed           string `json:"serverSeed"`
	ServerSeedCommitment string `json:"serverSeedCommitment"`
	PublicSeed           string `json:"publicSeed"`
	Seats                int    `json:"seats"`
	Rounds               int    `json:"rounds"`
}

// Result settles a room whose rounds are all drawn: winners are paid through
// the payout queue, every human seat gets a history row and the server seed
// is revealed.
func (s *Service) Result(ctx context.Context, roomID string) error {
	var (
		outcome Outcome
		queued  []string
		settled bool
	)
	room, err := s.mutate(ctx, roomID, func(ctx context.Context, tx wager.Repository, room *wager.Room) error {
		settled = false
		queued = queued[:0]
		if room.Status != wager.RoomInGame || room.Round < room.Rounds() {
			return errUnchanged
		}
		outcome = Settle(room.Mode, room.IsReversed, room.Items, len(room.Seats), s.cfg.MaxWin)
		room.Totals = outcome.Totals
		room.Winners = outcome.Winners
		room.Earnings = outcome.Earnings
		room.Status = wager.RoomFinished
		now := s.now().UTC()
		room.FinishedAt = &now
		room.Seed.Reveal()

		for seat, occ := range room.Seats {
			if occ == nil || occ.Bot {
				continue
			}
			earning := outcome.Earnings[seat]
			staked := room.Staked(occ.UserID)
			if earning > 0 {
				data, err := json.Marshal(map[string]any{"room_id": room.ID, "seat": seat})
				if err != nil {
					return err
				}
				p := &wager.PendingPayout{
					UserID:       occ.UserID,
					BetAmount:    staked,
					PayoutAmount: earning,
					GameKind:     wager.GameBattles,
					GameData:     data,
				}
				if err := s.payouts.Enqueue(ctx, tx, p); err != nil {
					return err
				}
				queued = append(queued, p.ID)
			}
			if err := tx.InsertHistory(ctx, &wager.HistoryRecord{
				UserID:   occ.UserID,
				GameKind: wager.GameBattles,
				RefID:    room.ID,
				Wager:    staked,
				Earning:  earning,
				Fairness: room.Seed,
			}); err != nil {
				return err
			}
		}
		settled = true
		return s.scheduleCleanup(ctx, tx, room.ID)
	})
	if err != nil || !settled {
		return err
	}
	metricRoomsSettled.Add(1)
	log.Info().Str("room_id", room.ID).Ints("winners", outcome.Winners).Int64("pot", outcome.Pot).Msg("battle settled")

	for _, id := range queued {
		if _, err := s.payouts.ProcessOne(ctx, id); err != nil {
			log.Warn().Err(err).Str("payout_id", id).Str("room_id", room.ID).Msg("battle payout deferred to queue")
		}
	}
	s.deactivate(ctx, room.ID)
	s.emitRoom(ctx, room, EventResult, ResultEvent{
		RoomID:   room.ID,
		Totals:   outcome.Totals,
		Winners:  outcome.Winners,
		Earnings: outcome.Earnings,
		Pot:      outcome.Pot,
	})
	bus.Emit(ctx, s.bus, bus.RoomTopic(room.ID), EventProof, ProofEvent{
		RoomID:               room.ID,
		ServerSeed:           room.Seed.ServerSeed,
		ServerSeedCommitment: room.Seed.ServerSeedCommitment,
		PublicSeed:           room.Seed.PublicSeed,
		Seats:                len(room.Seats),
		Rounds:               room.Rounds(),
	})
	return nil
}

// Cleanup drops a finished room from the fast store. The durable document
// stays.
func (s *Service) Cleanup(ctx context.Context, roomID string) error {
	s.deactivate(ctx, roomID)
	return s.rooms.Delete(ctx, roomID)
}
