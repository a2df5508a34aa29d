package store

import (
	"context"
	"time"

	"wagercore/internal/wager"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const payoutColumns = `id, user_id, bet_cc, payout_cc, game_kind, game_data, status, scheduled_for,
failure_reason, retry_count, lease_id, expires_at, created_at, updated_at`

const insertPayout = `
INSERT INTO pending_payouts (id, user_id, bet_cc, payout_cc, game_kind, game_data, status, scheduled_for,
	failure_reason, retry_count, lease_id, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at, updated_at`

const getPayout = `SELECT ` + payoutColumns + ` FROM pending_payouts WHERE id = $1`

const lockPayout = `SELECT ` + payoutColumns + ` FROM pending_payouts WHERE id = $1 FOR UPDATE`

const updatePayout = `
UPDATE pending_payouts
SET status = $2, scheduled_for = $3, failure_reason = $4, retry_count = $5, lease_id = $6, updated_at = now()
WHERE id = $1
RETURNING updated_at`

const listDuePayouts = `SELECT ` + payoutColumns + `
FROM pending_payouts
WHERE status IN ('pending', 'processing') AND scheduled_for <= $1
ORDER BY scheduled_for
LIMIT $2`

const purgePayouts = `DELETE FROM pending_payouts WHERE expires_at <= $1`

func (q *Queries) InsertPayout(ctx context.Context, p *wager.PendingPayout) error {
	if p.ID == "" {
		p.ID = wager.NewID()
	}
	return q.db.QueryRow(ctx, insertPayout,
		p.ID, p.UserID, p.BetAmount, p.PayoutAmount, string(p.GameKind), jsonParam(p.GameData), string(p.Status),
		p.ScheduledFor, textParam(p.FailureReason), p.RetryCount, textParam(p.LeaseID), p.ExpiresAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (q *Queries) GetPayout(ctx context.Context, id string) (*wager.PendingPayout, error) {
	p, err := scanPayout(q.db.QueryRow(ctx, getPayout, id))
	return p, mapNotFound(err)
}

// LockPayout reads the record and holds its row lock until the surrounding
// transaction ends.
func (q *Queries) LockPayout(ctx context.Context, id string) (*wager.PendingPayout, error) {
	p, err := scanPayout(q.db.QueryRow(ctx, lockPayout, id))
	return p, mapNotFound(err)
}

func (q *Queries) UpdatePayout(ctx context.Context, p *wager.PendingPayout) error {
	err := q.db.QueryRow(ctx, updatePayout,
		p.ID, string(p.Status), p.ScheduledFor, textParam(p.FailureReason), p.RetryCount, textParam(p.LeaseID),
	).Scan(&p.UpdatedAt)
	return mapNotFound(err)
}

func (q *Queries) DuePayouts(ctx context.Context, now time.Time, limit int) ([]*wager.PendingPayout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, listDuePayouts, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*wager.PendingPayout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queries) PurgePayouts(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, purgePayouts, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPayout(row pgx.Row) (*wager.PendingPayout, error) {
	var p wager.PendingPayout
	var kind, status string
	var gameData []byte
	var reason, lease pgtype.Text
	err := row.Scan(&p.ID, &p.UserID, &p.BetAmount, &p.PayoutAmount, &kind, &gameData, &status, &p.ScheduledFor,
		&reason, &p.RetryCount, &lease, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.GameKind = wager.GameKind(kind)
	p.Status = wager.PayoutStatus(status)
	p.GameData = gameData
	p.FailureReason = textVal(reason)
	p.LeaseID = textVal(lease)
	return &p, nil
}
