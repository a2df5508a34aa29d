package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"wagercore/internal/wager"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a classified error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wager.ErrRoomNotFound), errors.Is(err, wager.ErrCaseNotFound), errors.Is(err, wager.ErrNotFound):
		return http.StatusNotFound
	}
	switch wager.KindOf(err) {
	case wager.KindValidation:
		return http.StatusBadRequest
	case wager.KindBusiness:
		return http.StatusConflict
	case wager.KindConcurrency:
		return http.StatusServiceUnavailable
	case wager.KindFairness:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	WriteHTTPError(w, statusFor(err), wager.PublicCode(err))
}

type Rooms interface {
	Details(ctx context.Context, roomID string) (*wager.Room, error)
	List(ctx context.Context, limit int) ([]wager.Room, error)
}

type BattleHandlers struct {
	rooms Rooms
}

func NewBattleHandlers(rooms Rooms) *BattleHandlers {
	return &BattleHandlers{rooms: rooms}
}

func (h *BattleHandlers) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricRoomQueryTotal.Add(1)
		limit := ParseLimit(r, 50, 500)
		rooms, err := h.rooms.List(r.Context(), limit)
		if err != nil {
			metricRoomQueryErrors.Add(1)
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rooms, "limit": limit})
	}
}

func (h *BattleHandlers) Details() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricRoomQueryTotal.Add(1)
		room, err := h.rooms.Details(r.Context(), chi.URLParam(r, "room_id"))
		if err != nil {
			metricRoomQueryErrors.Add(1)
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

type Accounts interface {
	Account(ctx context.Context, userID string) (wager.Account, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]wager.HistoryRecord, error)
}

type AccountHandlers struct {
	accounts Accounts
}

func NewAccountHandlers(accounts Accounts) *AccountHandlers {
	return &AccountHandlers{accounts: accounts}
}

func (h *AccountHandlers) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		acct, err := h.accounts.Account(r.Context(), userID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	}
}

func (h *AccountHandlers) History() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		limit := ParseLimit(r, 50, 500)
		items, err := h.accounts.ListHistory(r.Context(), userID, limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		if items == nil {
			items = []wager.HistoryRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit})
	}
}

type CaseWriter interface {
	PutCase(ctx context.Context, c *wager.Case) error
}

type PayoutRunner interface {
	Process(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int64, error)
}

type AdminHandlers struct {
	cases   CaseWriter
	payouts PayoutRunner
}

func NewAdminHandlers(cases CaseWriter, payouts PayoutRunner) *AdminHandlers {
	return &AdminHandlers{cases: cases, payouts: payouts}
}

// PutCase replaces a catalog case. Item percentages must sum to 100.
func (h *AdminHandlers) PutCase() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c wager.Case
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&c); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		c.ID = chi.URLParam(r, "case_id")
		if err := validateCase(&c); err != nil {
			writeErr(w, err)
			return
		}
		if err := h.cases.PutCase(r.Context(), &c); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func validateCase(c *wager.Case) error {
	if strings.TrimSpace(c.ID) == "" || c.Price <= 0 || len(c.Items) == 0 {
		return wager.ErrInvalidRequest
	}
	var sum float64
	for _, it := range c.Items {
		if it.ID == "" || it.Price < 0 || it.Percentage <= 0 {
			return wager.ErrInvalidRequest
		}
		sum += it.Percentage
	}
	if math.Abs(sum-100) > 1e-6 {
		return wager.ErrInvalidRequest
	}
	return nil
}

// ProcessPayouts runs one drain of the payout queue and purges expired
// records.
func (h *AdminHandlers) ProcessPayouts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processed, err := h.payouts.Process(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		purged, err := h.payouts.Purge(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"processed": processed, "purged": purged})
	}
}
