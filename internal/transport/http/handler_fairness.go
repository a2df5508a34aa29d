package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"wagercore/internal/fairness"
	"wagercore/internal/wager"
)

const maxVerifyRounds = 100

type Catalog interface {
	GetCase(ctx context.Context, id string) (*wager.Case, error)
}

type FairnessHandlers struct {
	catalog Catalog
}

func NewFairnessHandlers(catalog Catalog) *FairnessHandlers {
	return &FairnessHandlers{catalog: catalog}
}

type VerifyRequest struct {
	Game      wager.GameKind `json:"game"`
	Proof     fairness.Proof `json:"proof"`
	MineCount int            `json:"mineCount,omitempty"`
	Seats     int            `json:"seats,omitempty"`
	// Cases, when given, resolves every battle ticket to the item it drew.
	Cases  []string `json:"cases,omitempty"`
	Rounds int      `json:"rounds,omitempty"`
	CaseID string   `json:"caseId,omitempty"`
}

type VerifyResponse struct {
	Valid   bool           `json:"valid"`
	Mines   []int          `json:"mines,omitempty"`
	Tickets [][]int        `json:"tickets,omitempty"`
	Items   [][]wager.Item `json:"items,omitempty"`
	Ticket  *int           `json:"ticket,omitempty"`
	Item    *wager.Item    `json:"item,omitempty"`
	Proof   fairness.Proof `json:"proof"`
}

// Verify recomputes a resolved round from its published proof. It is public
// and stateless apart from optional catalog lookups.
func (h *FairnessHandlers) Verify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricVerifyTotal.Add(1)
		var req VerifyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		resp, err := h.verify(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, fairness.ErrCommitmentMismatch):
				metricVerifyFailed.Add(1)
				writeJSON(w, http.StatusOK, VerifyResponse{Valid: false, Proof: req.Proof})
			case errors.Is(err, fairness.ErrInvalidMineCount):
				WriteHTTPError(w, http.StatusBadRequest, wager.ErrInvalidMineCount.Code)
			case wager.KindOf(err) != wager.KindIntegrity:
				WriteHTTPError(w, statusFor(err), wager.PublicCode(err))
			default:
				WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			}
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *FairnessHandlers) verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	resp := &VerifyResponse{Valid: true, Proof: req.Proof}
	switch req.Game {
	case wager.GameMines:
		mines, err := fairness.VerifyMines(req.Proof, req.MineCount)
		if err != nil {
			return nil, err
		}
		resp.Mines = mines
	case wager.GameBattles:
		rounds := req.Rounds
		if len(req.Cases) > 0 {
			rounds = len(req.Cases)
		}
		if req.Seats < 2 || req.Seats > 4 || rounds < 1 || rounds > maxVerifyRounds {
			return nil, wager.ErrInvalidRequest
		}
		tickets, err := fairness.VerifyBattle(req.Proof, req.Seats, rounds)
		if err != nil {
			return nil, err
		}
		resp.Tickets = tickets
		if len(req.Cases) > 0 {
			items, err := h.drawAll(ctx, req.Cases, tickets)
			if err != nil {
				return nil, err
			}
			resp.Items = items
		}
	case wager.GameUnbox:
		ticket, err := fairness.VerifyTicket(req.Proof)
		if err != nil {
			return nil, err
		}
		resp.Ticket = &ticket
		if req.CaseID != "" {
			items, err := h.drawAll(ctx, []string{req.CaseID}, [][]int{{ticket}})
			if err != nil {
				return nil, err
			}
			resp.Item = &items[0][0]
		}
	default:
		return nil, wager.ErrInvalidRequest
	}
	return resp, nil
}

func (h *FairnessHandlers) drawAll(ctx context.Context, caseIDs []string, tickets [][]int) ([][]wager.Item, error) {
	if h.catalog == nil {
		return nil, wager.ErrCaseNotFound
	}
	out := make([][]wager.Item, len(tickets))
	for round, row := range tickets {
		c, err := h.catalog.GetCase(ctx, caseIDs[round])
		if err != nil {
			return nil, err
		}
		out[round] = make([]wager.Item, len(row))
		for seat, t := range row {
			it, ok := c.Draw(t)
			if !ok {
				return nil, wager.ErrCaseNotFound
			}
			out[round][seat] = it
		}
	}
	return out, nil
}
