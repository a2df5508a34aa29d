// Package unbox opens a single case. The draw is committed together with the
// stake and a pending payout, so a failed credit is retried rather than
// re-rolled.
package unbox

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"

	"wagercore/internal/bus"
	"wagercore/internal/cache"
	"wagercore/internal/fairness"
	"wagercore/internal/ledger"
	"wagercore/internal/lock"
	"wagercore/internal/payout"
	"wagercore/internal/retry"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

var metricOpened = expvar.NewInt("unbox_opened_total")

const EventResult = "unbox:result"

type Service struct {
	store   wager.Store
	cache   cache.Store
	locks   *lock.Mutex
	payouts *payout.Queue
	bus     bus.Publisher
}

// New builds the service and registers its payout completer on payouts.
func New(store wager.Store, c cache.Store, locks *lock.Mutex, payouts *payout.Queue, pub bus.Publisher) *Service {
	s := &Service{store: store, cache: c, locks: locks, payouts: payouts, bus: pub}
	payouts.Register(wager.GameUnbox, Complete)
	return s
}

// GameData is what a pending unbox payout stores to be replayed.
type GameData struct {
	CaseID    string         `json:"case_id"`
	ItemID    string         `json:"item_id"`
	ItemPrice int64          `json:"item_price"`
	Ticket    int            `json:"ticket"`
	Proof     fairness.Proof `json:"proof"`
}

type Result struct {
	CaseID       string             `json:"caseId"`
	Item         wager.Item         `json:"item"`
	Ticket       int                `json:"ticket"`
	Proof        fairness.Proof     `json:"proof"`
	PayoutID     string             `json:"payoutId"`
	PayoutStatus wager.PayoutStatus `json:"payoutStatus"`
	Balance      int64              `json:"balance"`
}

func (s *Service) Open(ctx context.Context, userID, caseID, clientSeed string) (*Result, error) {
	var res *Result
	err := s.locks.With(ctx, lock.UserKey(userID), func(ctx context.Context) error {
		c, err := s.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if len(c.Items) == 0 {
			return wager.ErrCaseNotFound
		}
		if clientSeed == "" {
			if clientSeed, err = fairness.NewClientSeed(); err != nil {
				return err
			}
		}
		nonce, err := s.cache.Incr(ctx, "nonce:"+userID+":unbox")
		if err != nil {
			return fmt.Errorf("next nonce: %w", err)
		}
		seed, err := fairness.NewSeed(clientSeed, nonce)
		if err != nil {
			return err
		}
		ticket := fairness.TicketFromDerive(fairness.Derive(seed.ServerSeed, seed.ClientSeed, seed.Nonce, 0, seed.PublicSeed))
		item, _ := c.Draw(ticket)
		seed.Reveal()

		data, err := json.Marshal(GameData{CaseID: c.ID, ItemID: item.ID, ItemPrice: item.Price, Ticket: ticket, Proof: seed.Proof()})
		if err != nil {
			return err
		}
		p := &wager.PendingPayout{
			UserID:       userID,
			BetAmount:    c.Price,
			PayoutAmount: item.Price,
			GameKind:     wager.GameUnbox,
			GameData:     data,
		}
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
			p.ID = wager.NewID()
			if _, err := ledger.New(tx).DebitStake(ctx, userID, wager.GameUnbox, p.ID, c.Price); err != nil {
				return err
			}
			if err := tx.InsertHistory(ctx, &wager.HistoryRecord{
				UserID:   userID,
				GameKind: wager.GameUnbox,
				RefID:    p.ID,
				Wager:    c.Price,
				Earning:  item.Price,
				Fairness: seed,
			}); err != nil {
				return err
			}
			return s.payouts.Enqueue(ctx, tx, p)
		})
		if err != nil {
			return err
		}
		metricOpened.Add(1)

		res = &Result{CaseID: c.ID, Item: item, Ticket: ticket, Proof: seed.Proof(), PayoutID: p.ID, PayoutStatus: wager.PayoutPending}
		done, err := s.payouts.ProcessOne(ctx, p.ID)
		if err != nil {
			log.Warn().Err(err).Str("payout_id", p.ID).Str("user_id", userID).Msg("unbox payout deferred to queue")
		} else {
			res.PayoutStatus = done.Status
		}
		if a, err := s.store.Account(ctx, userID); err == nil {
			res.Balance = a.Balance
		}
		log.Debug().Str("user_id", userID).Str("case_id", c.ID).Str("item_id", item.ID).Int("ticket", ticket).Msg("case opened")
		return nil
	})
	if err != nil {
		return nil, err
	}
	bus.Emit(ctx, s.bus, bus.UserTopic(userID), EventResult, res)
	return res, nil
}

// Complete replays the stored draw and credits the recorded item value. The
// catalog is not consulted, so repricing a case never changes a payout that
// is already owed. A record whose proof does not reproduce its ticket, or
// whose value disagrees with the payout, is never paid.
func Complete(ctx context.Context, tx wager.Repository, p *wager.PendingPayout) error {
	var data GameData
	if err := json.Unmarshal(p.GameData, &data); err != nil {
		return retry.Permanent(fmt.Errorf("decode unbox payout: %w", err))
	}
	ticket, err := fairness.VerifyTicket(data.Proof)
	if err != nil {
		return retry.Permanent(err)
	}
	if ticket != data.Ticket || data.ItemPrice != p.PayoutAmount {
		return wager.ErrInvalidTarget
	}
	if p.PayoutAmount <= 0 {
		return nil
	}
	_, err = ledger.New(tx).CreditPayout(ctx, p.UserID, wager.GameUnbox, p.ID, p.PayoutAmount)
	return err
}
