package store

import (
	"context"
	"encoding/json"
	"time"

	"wagercore/internal/wager"
)

const getActiveMinesSession = `
SELECT document, version FROM mines_sessions WHERE user_id = $1 AND status = 'ongoing'`

const getMinesSession = `
SELECT document, version FROM mines_sessions WHERE id = $1`

const insertMinesSession = `
INSERT INTO mines_sessions (id, user_id, status, document, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`

const updateMinesSession = `
UPDATE mines_sessions
SET status = $2, document = $3, version = $4, updated_at = $5
WHERE id = $1 AND version = $6`

func (q *Queries) ActiveMinesSession(ctx context.Context, userID string) (*wager.MinesSession, error) {
	return q.scanMinesSession(ctx, getActiveMinesSession, userID)
}

func (q *Queries) GetMinesSession(ctx context.Context, id string) (*wager.MinesSession, error) {
	return q.scanMinesSession(ctx, getMinesSession, id)
}

func (q *Queries) scanMinesSession(ctx context.Context, query string, arg string) (*wager.MinesSession, error) {
	var doc []byte
	var version int64
	if err := q.db.QueryRow(ctx, query, arg).Scan(&doc, &version); err != nil {
		return nil, mapNotFound(err)
	}
	var s wager.MinesSession
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, err
	}
	s.Version = version
	return &s, nil
}

// InsertMinesSession fails with ErrGameInProgress when the user already has
// an ongoing session.
func (q *Queries) InsertMinesSession(ctx context.Context, s *wager.MinesSession) error {
	now := time.Now().UTC()
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, insertMinesSession, s.ID, s.UserID, string(s.Status), doc, s.Version, now)
	if isUniqueViolation(err) {
		return wager.ErrGameInProgress
	}
	return err
}

func (q *Queries) UpdateMinesSession(ctx context.Context, s *wager.MinesSession) error {
	expected := s.Version
	s.Version = expected + 1
	s.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(s)
	if err != nil {
		s.Version = expected
		return err
	}
	tag, err := q.db.Exec(ctx, updateMinesSession, s.ID, string(s.Status), doc, s.Version, s.UpdatedAt, expected)
	if err != nil {
		s.Version = expected
		return err
	}
	if tag.RowsAffected() == 0 {
		s.Version = expected
		return wager.ErrConflict
	}
	return nil
}
