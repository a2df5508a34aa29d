package store

import (
	"context"
	"time"

	"wagercore/internal/wager"

	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, kind, key, payload, run_at, attempts, last_error`

// Re-scheduling a key replaces the pending run and gives it a new id, so a
// handler still finishing the previous run cannot delete it.
const upsertTask = `
INSERT INTO scheduled_tasks (id, kind, key, payload, run_at, attempts, last_error)
VALUES ($1, $2, $3, $4, $5, 0, '')
ON CONFLICT (key) DO UPDATE
SET id = EXCLUDED.id, kind = EXCLUDED.kind, payload = EXCLUDED.payload, run_at = EXCLUDED.run_at,
	attempts = 0, last_error = ''`

const claimTask = `
UPDATE scheduled_tasks SET run_at = $3, attempts = attempts + 1
WHERE key = $1 AND run_at <= $2
RETURNING ` + taskColumns

const claimDueTasks = `
UPDATE scheduled_tasks SET run_at = $2, attempts = attempts + 1
WHERE id IN (
	SELECT id FROM scheduled_tasks
	WHERE run_at <= $1
	ORDER BY run_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

const deleteTask = `DELETE FROM scheduled_tasks WHERE id = $1`

const rescheduleTask = `UPDATE scheduled_tasks SET run_at = $2, last_error = $3 WHERE id = $1`

func (q *Queries) UpsertTask(ctx context.Context, t *wager.Task) error {
	t.ID = wager.NewID()
	_, err := q.db.Exec(ctx, upsertTask, t.ID, t.Kind, t.Key, jsonParam(t.Payload), t.RunAt)
	return err
}

// ClaimTask leases the task under key until now+lease. It returns
// ErrNotFound when the task is absent, not yet due, or leased elsewhere.
func (q *Queries) ClaimTask(ctx context.Context, key string, now time.Time, lease time.Duration) (*wager.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, claimTask, key, now, now.Add(lease)))
	return t, mapNotFound(err)
}

func (q *Queries) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*wager.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, claimDueTasks, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*wager.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteTask(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, deleteTask, id)
	return err
}

func (q *Queries) RescheduleTask(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	_, err := q.db.Exec(ctx, rescheduleTask, id, runAt, lastErr)
	return err
}

func scanTask(row pgx.Row) (*wager.Task, error) {
	var t wager.Task
	var payload []byte
	if err := row.Scan(&t.ID, &t.Kind, &t.Key, &payload, &t.RunAt, &t.Attempts, &t.LastError); err != nil {
		return nil, err
	}
	t.Payload = payload
	return &t, nil
}
