package store

import (
	"context"

	"wagercore/internal/wager"
)

const getCase = `SELECT id, name, price_cc FROM cases WHERE id = $1`

const listCaseItems = `
SELECT id, name, price_cc, percentage::float8 FROM case_items WHERE case_id = $1 ORDER BY position, id`

const upsertCase = `
INSERT INTO cases (id, name, price_cc) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price_cc = EXCLUDED.price_cc`

const deleteCaseItems = `DELETE FROM case_items WHERE case_id = $1`

const insertCaseItem = `
INSERT INTO case_items (id, case_id, name, price_cc, percentage, position) VALUES ($1, $2, $3, $4, $5, $6)`

func (q *Queries) GetCase(ctx context.Context, id string) (*wager.Case, error) {
	var c wager.Case
	if err := q.db.QueryRow(ctx, getCase, id).Scan(&c.ID, &c.Name, &c.Price); err != nil {
		if err = mapNotFound(err); err == wager.ErrNotFound {
			return nil, wager.ErrCaseNotFound
		}
		return nil, err
	}
	rows, err := q.db.Query(ctx, listCaseItems, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it wager.Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.Percentage); err != nil {
			return nil, err
		}
		c.Items = append(c.Items, it)
	}
	return &c, rows.Err()
}

// PutCase replaces a catalog case and its item table. The catalog is owned
// elsewhere; this exists for seeding.
func (s *Store) PutCase(ctx context.Context, c *wager.Case) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx wager.Repository) error {
		q := tx.(*Queries)
		if _, err := q.db.Exec(ctx, upsertCase, c.ID, c.Name, c.Price); err != nil {
			return err
		}
		if _, err := q.db.Exec(ctx, deleteCaseItems, c.ID); err != nil {
			return err
		}
		for i, it := range c.Items {
			if _, err := q.db.Exec(ctx, insertCaseItem, it.ID, c.ID, it.Name, it.Price, it.Percentage, i); err != nil {
				return err
			}
		}
		return nil
	})
}
