package memstore

import (
	"context"
	"time"

	"wagercore/internal/wager"
)

func (s *Store) EnsureAccount(ctx context.Context, userID, walletType string, initial int64) error {
	return s.do(func(r *repo) error { return r.EnsureAccount(ctx, userID, walletType, initial) })
}

func (s *Store) Account(ctx context.Context, userID string) (out wager.Account, err error) {
	err = s.do(func(r *repo) error { out, err = r.Account(ctx, userID); return err })
	return out, err
}

func (s *Store) Debit(ctx context.Context, userID string, amount int64, e wager.Entry) (out int64, err error) {
	err = s.do(func(r *repo) error { out, err = r.Debit(ctx, userID, amount, e); return err })
	return out, err
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64, e wager.Entry) (out int64, err error) {
	err = s.do(func(r *repo) error { out, err = r.Credit(ctx, userID, amount, e); return err })
	return out, err
}

func (s *Store) ActiveMinesSession(ctx context.Context, userID string) (out *wager.MinesSession, err error) {
	err = s.do(func(r *repo) error { out, err = r.ActiveMinesSession(ctx, userID); return err })
	return out, err
}

func (s *Store) GetMinesSession(ctx context.Context, id string) (out *wager.MinesSession, err error) {
	err = s.do(func(r *repo) error { out, err = r.GetMinesSession(ctx, id); return err })
	return out, err
}

func (s *Store) InsertMinesSession(ctx context.Context, m *wager.MinesSession) error {
	return s.do(func(r *repo) error { return r.InsertMinesSession(ctx, m) })
}

func (s *Store) UpdateMinesSession(ctx context.Context, m *wager.MinesSession) error {
	return s.do(func(r *repo) error { return r.UpdateMinesSession(ctx, m) })
}

func (s *Store) GetRoom(ctx context.Context, id string) (out *wager.Room, err error) {
	err = s.do(func(r *repo) error { out, err = r.GetRoom(ctx, id); return err })
	return out, err
}

func (s *Store) InsertRoom(ctx context.Context, room *wager.Room) error {
	return s.do(func(r *repo) error { return r.InsertRoom(ctx, room) })
}

func (s *Store) UpdateRoom(ctx context.Context, room *wager.Room) error {
	return s.do(func(r *repo) error { return r.UpdateRoom(ctx, room) })
}

func (s *Store) ListOpenRooms(ctx context.Context, limit int) (out []*wager.Room, err error) {
	err = s.do(func(r *repo) error { out, err = r.ListOpenRooms(ctx, limit); return err })
	return out, err
}

func (s *Store) InsertHistory(ctx context.Context, h *wager.HistoryRecord) error {
	return s.do(func(r *repo) error { return r.InsertHistory(ctx, h) })
}

func (s *Store) ListHistory(ctx context.Context, userID string, limit int) (out []wager.HistoryRecord, err error) {
	err = s.do(func(r *repo) error { out, err = r.ListHistory(ctx, userID, limit); return err })
	return out, err
}

func (s *Store) InsertPayout(ctx context.Context, p *wager.PendingPayout) error {
	return s.do(func(r *repo) error { return r.InsertPayout(ctx, p) })
}

func (s *Store) GetPayout(ctx context.Context, id string) (out *wager.PendingPayout, err error) {
	err = s.do(func(r *repo) error { out, err = r.GetPayout(ctx, id); return err })
	return out, err
}

func (s *Store) LockPayout(ctx context.Context, id string) (out *wager.PendingPayout, err error) {
	err = s.do(func(r *repo) error { out, err = r.LockPayout(ctx, id); return err })
	return out, err
}

func (s *Store) UpdatePayout(ctx context.Context, p *wager.PendingPayout) error {
	return s.do(func(r *repo) error { return r.UpdatePayout(ctx, p) })
}

func (s *Store) DuePayouts(ctx context.Context, now time.Time, limit int) (out []*wager.PendingPayout, err error) {
	err = s.do(func(r *repo) error { out, err = r.DuePayouts(ctx, now, limit); return err })
	return out, err
}

func (s *Store) PurgePayouts(ctx context.Context, now time.Time) (out int64, err error) {
	err = s.do(func(r *repo) error { out, err = r.PurgePayouts(ctx, now); return err })
	return out, err
}

func (s *Store) UpsertTask(ctx context.Context, t *wager.Task) error {
	return s.do(func(r *repo) error { return r.UpsertTask(ctx, t) })
}

func (s *Store) ClaimTask(ctx context.Context, key string, now time.Time, lease time.Duration) (out *wager.Task, err error) {
	err = s.do(func(r *repo) error { out, err = r.ClaimTask(ctx, key, now, lease); return err })
	return out, err
}

func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) (out []*wager.Task, err error) {
	err = s.do(func(r *repo) error { out, err = r.ClaimDueTasks(ctx, now, lease, limit); return err })
	return out, err
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.do(func(r *repo) error { return r.DeleteTask(ctx, id) })
}

func (s *Store) RescheduleTask(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.do(func(r *repo) error { return r.RescheduleTask(ctx, id, runAt, lastErr) })
}

func (s *Store) GetCase(ctx context.Context, id string) (out *wager.Case, err error) {
	err = s.do(func(r *repo) error { out, err = r.GetCase(ctx, id); return err })
	return out, err
}
