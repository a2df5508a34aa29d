package store

import (
	"context"
	"encoding/json"

	"wagercore/internal/wager"
)

const insertHistory = `
INSERT INTO wager_history (id, user_id, game_kind, ref_id, wager_cc, earning_cc, fairness)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`

const listHistory = `
SELECT id, user_id, game_kind, ref_id, wager_cc, earning_cc, fairness, created_at
FROM wager_history
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

func (q *Queries) InsertHistory(ctx context.Context, h *wager.HistoryRecord) error {
	if h.ID == "" {
		h.ID = wager.NewID()
	}
	fair, err := json.Marshal(h.Fairness)
	if err != nil {
		return err
	}
	return q.db.QueryRow(ctx, insertHistory, h.ID, h.UserID, string(h.GameKind), h.RefID, h.Wager, h.Earning, fair).Scan(&h.CreatedAt)
}

func (q *Queries) ListHistory(ctx context.Context, userID string, limit int) ([]wager.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(ctx, listHistory, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []wager.HistoryRecord
	for rows.Next() {
		var h wager.HistoryRecord
		var kind string
		var fair []byte
		if err := rows.Scan(&h.ID, &h.UserID, &kind, &h.RefID, &h.Wager, &h.Earning, &fair, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.GameKind = wager.GameKind(kind)
		if err := json.Unmarshal(fair, &h.Fairness); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
