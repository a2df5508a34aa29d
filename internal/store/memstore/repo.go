package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"wagercore/internal/wager"
)

// repo works on one state without locking; callers hold Store.mu.
type repo struct {
	st     *state
	now    func() time.Time
	faults map[string]error
}

var _ wager.Repository = (*repo)(nil)

func (r *repo) fault(method string) error {
	if err, ok := r.faults[method]; ok {
		delete(r.faults, method)
		return err
	}
	return nil
}

func (r *repo) EnsureAccount(_ context.Context, userID, walletType string, initial int64) error {
	if err := r.fault("EnsureAccount"); err != nil {
		return err
	}
	if _, ok := r.st.accounts[userID]; ok {
		return nil
	}
	if walletType == "" {
		walletType = "main"
	}
	r.st.accounts[userID] = wager.Account{UserID: userID, Balance: initial, WalletType: walletType, UpdatedAt: r.now()}
	return nil
}

func (r *repo) Account(_ context.Context, userID string) (wager.Account, error) {
	if err := r.fault("Account"); err != nil {
		return wager.Account{}, err
	}
	a, ok := r.st.accounts[userID]
	if !ok {
		return wager.Account{}, wager.ErrInvalidUser
	}
	return a, nil
}

func (r *repo) Debit(_ context.Context, userID string, amount int64, e wager.Entry) (int64, error) {
	if err := r.fault("Debit"); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, errors.New("amount must be positive")
	}
	a, ok := r.st.accounts[userID]
	if !ok {
		return 0, wager.ErrInvalidUser
	}
	if a.Balance < amount {
		return 0, wager.ErrInsufficientBalance
	}
	a.Balance -= amount
	a.UpdatedAt = r.now()
	r.st.accounts[userID] = a
	r.st.entries = append(r.st.entries, LedgerEntry{ID: wager.NewID(), UserID: userID, Type: e.Type, Amount: -amount, RefType: e.RefType, RefID: e.RefID})
	return a.Balance, nil
}

func (r *repo) Credit(_ context.Context, userID string, amount int64, e wager.Entry) (int64, error) {
	if err := r.fault("Credit"); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, errors.New("amount must be positive")
	}
	a, ok := r.st.accounts[userID]
	if !ok {
		return 0, wager.ErrInvalidUser
	}
	a.Balance += amount
	a.UpdatedAt = r.now()
	r.st.accounts[userID] = a
	r.st.entries = append(r.st.entries, LedgerEntry{ID: wager.NewID(), UserID: userID, Type: e.Type, Amount: amount, RefType: e.RefType, RefID: e.RefID})
	return a.Balance, nil
}

func (r *repo) ActiveMinesSession(_ context.Context, userID string) (*wager.MinesSession, error) {
	if err := r.fault("ActiveMinesSession"); err != nil {
		return nil, err
	}
	for _, doc := range r.st.sessions {
		var s wager.MinesSession
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, err
		}
		if s.UserID == userID && s.Status == wager.MinesOngoing {
			return &s, nil
		}
	}
	return nil, wager.ErrNotFound
}

func (r *repo) GetMinesSession(_ context.Context, id string) (*wager.MinesSession, error) {
	if err := r.fault("GetMinesSession"); err != nil {
		return nil, err
	}
	doc, ok := r.st.sessions[id]
	if !ok {
		return nil, wager.ErrNotFound
	}
	var s wager.MinesSession
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repo) InsertMinesSession(ctx context.Context, s *wager.MinesSession) error {
	if err := r.fault("InsertMinesSession"); err != nil {
		return err
	}
	if _, err := r.ActiveMinesSession(ctx, s.UserID); err == nil {
		return wager.ErrGameInProgress
	}
	now := r.now().UTC()
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	r.st.sessions[s.ID] = doc
	return nil
}

func (r *repo) UpdateMinesSession(ctx context.Context, s *wager.MinesSession) error {
	if err := r.fault("UpdateMinesSession"); err != nil {
		return err
	}
	cur, err := r.GetMinesSession(ctx, s.ID)
	if err != nil {
		return err
	}
	if cur.Version != s.Version {
		return wager.ErrConflict
	}
	s.Version++
	s.UpdatedAt = r.now().UTC()
	doc, err := json.Marshal(s)
	if err != nil {
		s.Version--
		return err
	}
	r.st.sessions[s.ID] = doc
	return nil
}

func (r *repo) GetRoom(_ context.Context, id string) (*wager.Room, error) {
	if err := r.fault("GetRoom"); err != nil {
		return nil, err
	}
	doc, ok := r.st.rooms[id]
	if !ok {
		return nil, wager.ErrNotFound
	}
	var room wager.Room
	if err := json.Unmarshal(doc, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *repo) InsertRoom(_ context.Context, room *wager.Room) error {
	if err := r.fault("InsertRoom"); err != nil {
		return err
	}
	if _, ok := r.st.rooms[room.ID]; ok {
		return errors.New("duplicate room id")
	}
	now := r.now().UTC()
	room.Version = 1
	room.CreatedAt, room.UpdatedAt = now, now
	doc, err := json.Marshal(room)
	if err != nil {
		return err
	}
	r.st.rooms[room.ID] = doc
	return nil
}

func (r *repo) UpdateRoom(ctx context.Context, room *wager.Room) error {
	if err := r.fault("UpdateRoom"); err != nil {
		return err
	}
	cur, err := r.GetRoom(ctx, room.ID)
	if err != nil {
		return err
	}
	if cur.Version != room.Version {
		return wager.ErrConflict
	}
	room.Version++
	room.UpdatedAt = r.now().UTC()
	doc, err := json.Marshal(room)
	if err != nil {
		room.Version--
		return err
	}
	r.st.rooms[room.ID] = doc
	return nil
}

func (r *repo) ListOpenRooms(ctx context.Context, limit int) ([]*wager.Room, error) {
	if err := r.fault("ListOpenRooms"); err != nil {
		return nil, err
	}
	var out []*wager.Room
	for id := range r.st.rooms {
		room, err := r.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if room.Status != wager.RoomFinished && !room.IsPrivate {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) InsertHistory(_ context.Context, h *wager.HistoryRecord) error {
	if err := r.fault("InsertHistory"); err != nil {
		return err
	}
	if h.ID == "" {
		h.ID = wager.NewID()
	}
	h.CreatedAt = r.now().UTC()
	r.st.history = append(r.st.history, *h)
	return nil
}

func (r *repo) ListHistory(_ context.Context, userID string, limit int) ([]wager.HistoryRecord, error) {
	if err := r.fault("ListHistory"); err != nil {
		return nil, err
	}
	var out []wager.HistoryRecord
	for i := len(r.st.history) - 1; i >= 0; i-- {
		if r.st.history[i].UserID == userID {
			out = append(out, r.st.history[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *repo) InsertPayout(_ context.Context, p *wager.PendingPayout) error {
	if err := r.fault("InsertPayout"); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = wager.NewID()
	}
	now := r.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.st.payouts[p.ID] = copyPayout(*p)
	return nil
}

func (r *repo) GetPayout(_ context.Context, id string) (*wager.PendingPayout, error) {
	if err := r.fault("GetPayout"); err != nil {
		return nil, err
	}
	p, ok := r.st.payouts[id]
	if !ok {
		return nil, wager.ErrNotFound
	}
	out := copyPayout(p)
	return &out, nil
}

// LockPayout needs no row lock: the whole transaction already holds the store.
func (r *repo) LockPayout(ctx context.Context, id string) (*wager.PendingPayout, error) {
	if err := r.fault("LockPayout"); err != nil {
		return nil, err
	}
	return r.GetPayout(ctx, id)
}

func (r *repo) UpdatePayout(_ context.Context, p *wager.PendingPayout) error {
	if err := r.fault("UpdatePayout"); err != nil {
		return err
	}
	cur, ok := r.st.payouts[p.ID]
	if !ok {
		return wager.ErrNotFound
	}
	cur.Status = p.Status
	cur.ScheduledFor = p.ScheduledFor
	cur.FailureReason = p.FailureReason
	cur.RetryCount = p.RetryCount
	cur.LeaseID = p.LeaseID
	cur.UpdatedAt = r.now().UTC()
	p.UpdatedAt = cur.UpdatedAt
	r.st.payouts[p.ID] = cur
	return nil
}

func (r *repo) DuePayouts(_ context.Context, now time.Time, limit int) ([]*wager.PendingPayout, error) {
	if err := r.fault("DuePayouts"); err != nil {
		return nil, err
	}
	var out []*wager.PendingPayout
	for _, p := range r.st.payouts {
		if (p.Status == wager.PayoutPending || p.Status == wager.PayoutProcessing) && !p.ScheduledFor.After(now) {
			cp := copyPayout(p)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) PurgePayouts(_ context.Context, now time.Time) (int64, error) {
	if err := r.fault("PurgePayouts"); err != nil {
		return 0, err
	}
	var n int64
	for id, p := range r.st.payouts {
		if !p.ExpiresAt.After(now) {
			delete(r.st.payouts, id)
			n++
		}
	}
	return n, nil
}

func (r *repo) UpsertTask(_ context.Context, t *wager.Task) error {
	if err := r.fault("UpsertTask"); err != nil {
		return err
	}
	t.ID = wager.NewID()
	t.Attempts = 0
	t.LastError = ""
	r.st.tasks[t.Key] = copyTask(*t)
	return nil
}

func (r *repo) ClaimTask(_ context.Context, key string, now time.Time, lease time.Duration) (*wager.Task, error) {
	if err := r.fault("ClaimTask"); err != nil {
		return nil, err
	}
	t, ok := r.st.tasks[key]
	if !ok || t.RunAt.After(now) {
		return nil, wager.ErrNotFound
	}
	t.RunAt = now.Add(lease)
	t.Attempts++
	r.st.tasks[key] = t
	out := copyTask(t)
	return &out, nil
}

func (r *repo) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*wager.Task, error) {
	if err := r.fault("ClaimDueTasks"); err != nil {
		return nil, err
	}
	var due []wager.Task
	for _, t := range r.st.tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*wager.Task, 0, len(due))
	for _, t := range due {
		claimed, err := r.ClaimTask(ctx, t.Key, now, lease)
		if err != nil {
			return nil, err
		}
		out = append(out, claimed)
	}
	return out, nil
}

func (r *repo) DeleteTask(_ context.Context, id string) error {
	if err := r.fault("DeleteTask"); err != nil {
		return err
	}
	for key, t := range r.st.tasks {
		if t.ID == id {
			delete(r.st.tasks, key)
		}
	}
	return nil
}

func (r *repo) RescheduleTask(_ context.Context, id string, runAt time.Time, lastErr string) error {
	if err := r.fault("RescheduleTask"); err != nil {
		return err
	}
	for key, t := range r.st.tasks {
		if t.ID == id {
			t.RunAt = runAt
			t.LastError = lastErr
			r.st.tasks[key] = t
		}
	}
	return nil
}

func (r *repo) GetCase(_ context.Context, id string) (*wager.Case, error) {
	if err := r.fault("GetCase"); err != nil {
		return nil, err
	}
	doc, ok := r.st.cases[id]
	if !ok {
		return nil, wager.ErrCaseNotFound
	}
	var c wager.Case
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) putCase(c *wager.Case) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	r.st.cases[c.ID] = doc
	return nil
}

func copyPayout(p wager.PendingPayout) wager.PendingPayout {
	p.GameData = append([]byte(nil), p.GameData...)
	return p
}

func copyTask(t wager.Task) wager.Task {
	t.Payload = append([]byte(nil), t.Payload...)
	return t
}
