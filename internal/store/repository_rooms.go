package store

import (
	"context"
	"encoding/json"
	"time"

	"wagercore/internal/wager"
)

const getRoom = `
SELECT document, version FROM battle_rooms WHERE id = $1`

const insertRoom = `
INSERT INTO battle_rooms (id, status, is_private, document, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`

const updateRoom = `
UPDATE battle_rooms
SET status = $2, document = $3, version = $4, updated_at = $5
WHERE id = $1 AND version = $6`

const listOpenRooms = `
SELECT document, version FROM battle_rooms
WHERE status <> 'finished' AND NOT is_private
ORDER BY created_at DESC
LIMIT $1`

func (q *Queries) GetRoom(ctx context.Context, id string) (*wager.Room, error) {
	var doc []byte
	var version int64
	if err := q.db.QueryRow(ctx, getRoom, id).Scan(&doc, &version); err != nil {
		return nil, mapNotFound(err)
	}
	return decodeRoom(doc, version)
}

func (q *Queries) InsertRoom(ctx context.Context, r *wager.Room) error {
	now := time.Now().UTC()
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, insertRoom, r.ID, string(r.Status), r.IsPrivate, doc, r.Version, now)
	return err
}

// UpdateRoom writes r only if the stored version still equals r.Version.
func (q *Queries) UpdateRoom(ctx context.Context, r *wager.Room) error {
	expected := r.Version
	r.Version = expected + 1
	r.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(r)
	if err != nil {
		r.Version = expected
		return err
	}
	tag, err := q.db.Exec(ctx, updateRoom, r.ID, string(r.Status), doc, r.Version, r.UpdatedAt, expected)
	if err != nil {
		r.Version = expected
		return err
	}
	if tag.RowsAffected() == 0 {
		r.Version = expected
		return wager.ErrConflict
	}
	return nil
}

func (q *Queries) ListOpenRooms(ctx context.Context, limit int) ([]*wager.Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(ctx, listOpenRooms, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*wager.Room, 0, limit)
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		r, err := decodeRoom(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeRoom(doc []byte, version int64) (*wager.Room, error) {
	var r wager.Room
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	r.Version = version
	return &r, nil
}
