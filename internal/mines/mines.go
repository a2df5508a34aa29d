// Package mines is the single-round game: a 25-cell board with a hidden set
// of mines, a growing multiplier per safe reveal and a cashout.
package mines

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
	"wagercore/internal/retry"
	"wagercore/internal/sessionstore"
	"wagercore/internal/wager"

	"github.com/rs/zerolog/log"
)

var (
	metricStarted = expvar.NewInt("mines_started_total")
	metricSettled = expvar.NewInt("mines_settled_total")
)

const EventProof = "mines:proof"

type Config struct {
	HouseEdge  float64
	MaxWin     int64
	MinBet     int64
	MaxBet     int64
	SessionTTL time.Duration
	CAS        retry.Policy
}

type Service struct {
	store    wager.Store
	cache    cache.Store
	locks    *lock.Mutex
	sessions *sessionstore.Store[wager.MinesSession]
	bus      bus.Publisher
	cfg      Config
}

func New(store wager.Store, c cache.Store, locks *lock.Mutex, pub bus.Publisher, cfg Config) *Service {
	if cfg.MinBet <= 0 {
		cfg.MinBet = 1
	}
	sessions := sessionstore.New[wager.MinesSession](c, "mines:session:", cfg.SessionTTL, store.ActiveMinesSession, cfg.CAS)
	return &Service{store: store, cache: c, locks: locks, sessions: sessions, bus: pub, cfg: cfg}
}

func nonceKey(userID string) string { return "nonce:" + userID + ":mines" }

// Multiplier is the payout multiplier after one more safe reveal, given the
// current multiplier and the cells still hidden before that reveal.
func Multiplier(current float64, unrevealed, mineCount int, houseEdge float64) float64 {
	if unrevealed <= mineCount {
		return current
	}
	m := current * float64(unrevealed) / float64(unrevealed-mineCount) * (1 - houseEdge)
	return math.Round(m*1e4) / 1e4
}

// Payout is bet times multiplier, rounded down and capped at maxWin.
func Payout(bet int64, multiplier float64, maxWin int64) int64 {
	p := int64(math.Floor(float64(bet) * multiplier))
	if maxWin > 0 && p > maxWin {
		return maxWin
	}
	return p
}

type StartResult struct {
	SessionID      string  `json:"sessionId"`
	SeedCommitment string  `json:"seedCommitment"`
	ClientSeed     string  `json:"clientSeed"`
	Nonce          int64   `json:"nonce"`
	NextMultiplier float64 `json:"nextMultiplier"`
	Balance        int64   `json:"balance"`
}

// Start debits the stake and opens a session for userID.
func (s *Service) Start(ctx context.Context, userID string, bet int64, mineCount int, clientSeed string) (*StartResult, error) {
	if bet < s.cfg.MinBet || (s.cfg.MaxBet > 0 && bet > s.cfg.MaxBet) {
		return nil, wager.ErrInvalidBetAmount
	}
	if mineCount < fairness.MinMines || mineCount > fairness.MaxMines {
		return nil, wager.ErrInvalidMineCount
	}
	var res *StartResult
	err := s.locks.With(ctx, lock.UserKey(userID), func(ctx context.Context) error {
		if _, err := s.sessions.Get(ctx, userID); err == nil {
			return wager.ErrGameInProgress
		} else if !errors.Is(err, wager.ErrNotFound) {
			return err
		}
		if clientSeed == "" {
			cs, err := fairness.NewClientSeed()
			if err != nil {
				return err
			}
			clientSeed = cs
		}
		nonce, err := s.cache.Incr(ctx, nonceKey(userID))
		if err != nil {
			return fmt.Errorf("next nonce: %w", err)
		}
		seed, err := fairness.NewSeed(clientSeed, nonce)
		if err != nil {
			return err
		}
		mines, err := fairness.MinePositions(seed.ServerSeed, seed.ClientSeed, seed.Nonce, mineCount)
		if err != nil {
			return wager.ErrInvalidMineCount
		}
		sess := &wager.MinesSession{
			ID:                wager.NewID(),
			UserID:            userID,
			Status:            wager.MinesOngoing,
			BetAmount:         bet,
			MineCount:         mineCount,
			CurrentMultiplier: 1,
			NextMultiplier:    Multiplier(1, fairness.BoardSize, mineCount, s.cfg.HouseEdge),
			Seed:              seed,
		}
		for _, m := range mines {
			sess.Board[m] = wager.CellMine
		}

		var balance int64
		err = s.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
			b, err := ledger.New(tx).DebitStake(ctx, userID, wager.GameMines, sess.ID, bet)
			if err != nil {
				return err
			}
			balance = b
			return tx.InsertMinesSession(ctx, sess)
		})
		if err != nil {
			return err
		}
		s.cacheSession(ctx, sess)
		metricStarted.Add(1)
		log.Debug().Str("user_id", userID).Str("session_id", sess.ID).Int64("bet", bet).Int("mines", mineCount).Msg("mines started")
		res = &StartResult{
			SessionID:      sess.ID,
			SeedCommitment: seed.ServerSeedCommitment,
			ClientSeed:     seed.ClientSeed,
			Nonce:          seed.Nonce,
			NextMultiplier: sess.NextMultiplier,
			Balance:        balance,
		}
		return nil
	})
	return res, err
}

type RevealResult struct {
	Index             int               `json:"index"`
	Mine              bool              `json:"mine"`
	Status            wager.MinesStatus `json:"status"`
	CurrentMultiplier float64           `json:"currentMultiplier"`
	NextMultiplier    float64           `json:"nextMultiplier,omitempty"`
	Payout            int64             `json:"payout"`
	Mines             []int             `json:"mines,omitempty"`
	Proof             *fairness.Proof   `json:"proof,omitempty"`
}

// Reveal uncovers one cell. Hitting a mine or clearing the last safe cell
// settles the session.
func (s *Service) Reveal(ctx context.Context, userID string, index int) (*RevealResult, error) {
	if index < 0 || index >= fairness.BoardSize {
		return nil, wager.ErrInvalidCell
	}
	var res *RevealResult
	err := s.locks.With(ctx, lock.UserKey(userID), func(ctx context.Context) error {
		sess, err := s.active(ctx, userID)
		if err != nil {
			return err
		}
		switch sess.Board[index] {
		case wager.CellRevealed:
			return wager.ErrCellAlreadyRevealed
		case wager.CellMine:
			if err := s.settle(ctx, sess, wager.MinesLost, 0); err != nil {
				return err
			}
			res = &RevealResult{Index: index, Mine: true, Status: sess.Status, Mines: sess.Mines(), Proof: proof(sess)}
			return nil
		}

		sess.Board[index] = wager.CellRevealed
		sess.CurrentMultiplier = sess.NextMultiplier
		if sess.SafeRemaining() == 0 {
			payout := Payout(sess.BetAmount, sess.CurrentMultiplier, s.cfg.MaxWin)
			if err := s.settle(ctx, sess, wager.MinesCompleted, payout); err != nil {
				return err
			}
			res = &RevealResult{Index: index, Status: sess.Status, CurrentMultiplier: sess.CurrentMultiplier, Payout: payout, Mines: sess.Mines(), Proof: proof(sess)}
			return nil
		}
		sess.NextMultiplier = Multiplier(sess.CurrentMultiplier, sess.Unrevealed(), sess.MineCount, s.cfg.HouseEdge)
		if err := s.save(ctx, sess); err != nil {
			return err
		}
		res = &RevealResult{Index: index, Status: sess.Status, CurrentMultiplier: sess.CurrentMultiplier, NextMultiplier: sess.NextMultiplier}
		return nil
	})
	return res, err
}

type CashoutResult struct {
	WinningAmount int64          `json:"winningAmount"`
	Multiplier    float64        `json:"multiplier"`
	Mines         []int          `json:"mines"`
	Proof         fairness.Proof `json:"proof"`
}

// Cashout settles at the current multiplier. At least one safe cell must be
// revealed.
func (s *Service) Cashout(ctx context.Context, userID string) (*CashoutResult, error) {
	var res *CashoutResult
	err := s.locks.With(ctx, lock.UserKey(userID), func(ctx context.Context) error {
		sess, err := s.active(ctx, userID)
		if err != nil {
			return err
		}
		if sess.Revealed() == 0 {
			return wager.ErrNothingToCashout
		}
		payout := Payout(sess.BetAmount, sess.CurrentMultiplier, s.cfg.MaxWin)
		if err := s.settle(ctx, sess, wager.MinesCompleted, payout); err != nil {
			return err
		}
		res = &CashoutResult{WinningAmount: payout, Multiplier: sess.CurrentMultiplier, Mines: sess.Mines(), Proof: *proof(sess)}
		return nil
	})
	return res, err
}

// Abandon settles a session whose player went away: cashed out when any cell
// was revealed, refunded otherwise. It is a no-op without a session.
func (s *Service) Abandon(ctx context.Context, userID string) error {
	return s.locks.With(ctx, lock.UserKey(userID), func(ctx context.Context) error {
		sess, err := s.sessions.Get(ctx, userID)
		if errors.Is(err, wager.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.Status != wager.MinesOngoing {
			_ = s.sessions.Delete(ctx, userID)
			return nil
		}
		if sess.Revealed() > 0 {
			payout := Payout(sess.BetAmount, sess.CurrentMultiplier, s.cfg.MaxWin)
			return s.settle(ctx, sess, wager.MinesCompleted, payout)
		}
		return s.settle(ctx, sess, wager.MinesAbandoned, sess.BetAmount)
	})
}

type CellView string

const (
	ViewHidden   CellView = "hidden"
	ViewRevealed CellView = "revealed"
	ViewMine     CellView = "mine"
)

// View is what the player may see of their session.
type View struct {
	SessionID         string            `json:"sessionId"`
	Status            wager.MinesStatus `json:"status"`
	Board             []CellView        `json:"board"`
	BetAmount         int64             `json:"betAmount"`
	MineCount         int               `json:"mineCount"`
	CurrentMultiplier float64           `json:"currentMultiplier"`
	NextMultiplier    float64           `json:"nextMultiplier"`
	Seed              fairness.Seed     `json:"seed"`
}

func NewView(sess *wager.MinesSession) View {
	v := View{
		SessionID:         sess.ID,
		Status:            sess.Status,
		Board:             make([]CellView, len(sess.Board)),
		BetAmount:         sess.BetAmount,
		MineCount:         sess.MineCount,
		CurrentMultiplier: sess.CurrentMultiplier,
		NextMultiplier:    sess.NextMultiplier,
		Seed:              sess.Seed.Public(),
	}
	for i, c := range sess.Board {
		switch {
		case c == wager.CellRevealed:
			v.Board[i] = ViewRevealed
		case c == wager.CellMine && sess.Status != wager.MinesOngoing:
			v.Board[i] = ViewMine
		default:
			v.Board[i] = ViewHidden
		}
	}
	return v
}

// State returns the player's ongoing session.
func (s *Service) State(ctx context.Context, userID string) (View, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if errors.Is(err, wager.ErrNotFound) {
		return View{}, wager.ErrNoActiveGame
	}
	if err != nil {
		return View{}, err
	}
	return NewView(sess), nil
}

// active loads the ongoing session under the user lock. A session whose
// commitment no longer verifies is refunded and closed.
func (s *Service) active(ctx context.Context, userID string) (*wager.MinesSession, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if errors.Is(err, wager.ErrNotFound) {
		return nil, wager.ErrNoActiveGame
	}
	if err != nil {
		return nil, err
	}
	if sess.Status != wager.MinesOngoing {
		_ = s.sessions.Delete(ctx, userID)
		return nil, wager.ErrNoActiveGame
	}
	if !sess.Seed.Valid() {
		log.Error().Str("user_id", userID).Str("session_id", sess.ID).Msg("mines session commitment does not verify; refunding")
		if err := s.settle(ctx, sess, wager.MinesAbandoned, sess.BetAmount); err != nil {
			return nil, err
		}
		return nil, wager.ErrStaleCommitment
	}
	return sess, nil
}

func (s *Service) save(ctx context.Context, sess *wager.MinesSession) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		return tx.UpdateMinesSession(ctx, sess)
	})
	if err != nil {
		s.evict(ctx, sess.UserID)
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

// settle closes sess with the given status, crediting amount and recording
// history in the same transaction, then publishes the revealed seed.
func (s *Service) settle(ctx context.Context, sess *wager.MinesSession, status wager.MinesStatus, amount int64) error {
	sess.Status = status
	sess.Payout = amount
	sess.Seed.Reveal()
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		if err := tx.UpdateMinesSession(ctx, sess); err != nil {
			return err
		}
		if amount > 0 {
			l := ledger.New(tx)
			var err error
			if status == wager.MinesAbandoned {
				_, err = l.Refund(ctx, sess.UserID, wager.GameMines, sess.ID, amount)
			} else {
				_, err = l.CreditPayout(ctx, sess.UserID, wager.GameMines, sess.ID, amount)
			}
			if err != nil {
				return err
			}
		}
		if status == wager.MinesAbandoned {
			return nil
		}
		return tx.InsertHistory(ctx, &wager.HistoryRecord{
			UserID:   sess.UserID,
			GameKind: wager.GameMines,
			RefID:    sess.ID,
			Wager:    sess.BetAmount,
			Earning:  amount,
			Fairness: sess.Seed,
		})
	})
	s.evict(ctx, sess.UserID)
	if err != nil {
		return err
	}
	metricSettled.Add(1)
	log.Debug().Str("user_id", sess.UserID).Str("session_id", sess.ID).Str("status", string(status)).Int64("payout", amount).Msg("mines settled")
	bus.Emit(ctx, s.bus, bus.UserTopic(sess.UserID), EventProof, ProofEvent{
		SessionID:            sess.ID,
		ServerSeed:           sess.Seed.ServerSeed,
		ServerSeedCommitment: sess.Seed.ServerSeedCommitment,
		ClientSeed:           sess.Seed.ClientSeed,
		Nonce:                sess.Seed.Nonce,
		MineCount:            sess.MineCount,
	})
	return nil
}

type ProofEvent struct {
	SessionID            string `json:"sessionId"`
	ServerSeed           string `json:"serverSeed"`
	ServerSeedCommitment string `json:"serverSeedCommitment"`
	ClientSeed           string `json:"clientSeed"`
	Nonce                int64  `json:"nonce"`
	MineCount            int    `json:"mineCount"`
}

func proof(sess *wager.MinesSession) *fairness.Proof {
	p := sess.Seed.Public().Proof()
	return &p
}

func (s *Service) cacheSession(ctx context.Context, sess *wager.MinesSession) {
	if err := s.sessions.Set(ctx, sess.UserID, sess); err != nil {
		log.Warn().Err(err).Str("user_id", sess.UserID).Msg("cache mines session failed")
		s.evict(ctx, sess.UserID)
	}
}

func (s *Service) evict(ctx context.Context, userID string) {
	if err := s.sessions.Delete(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("evict mines session failed")
	}
}
