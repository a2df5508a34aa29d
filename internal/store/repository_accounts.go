package store

import (
	"context"
	"errors"

	"wagercore/internal/wager"
)

const ensureAccount = `
INSERT INTO accounts (user_id, balance_cc, wallet_type, is_bot)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO NOTHING`

const getAccount = `
SELECT user_id, balance_cc, wallet_type, is_bot, updated_at FROM accounts WHERE user_id = $1`

const getAccountBalanceForUpdate = `
SELECT balance_cc FROM accounts WHERE user_id = $1 FOR UPDATE`

const updateAccountBalance = `
UPDATE accounts SET balance_cc = $2, updated_at = now() WHERE user_id = $1`

const insertLedgerEntry = `
INSERT INTO ledger_entries (id, user_id, type, amount_cc, ref_type, ref_id)
VALUES ($1, $2, $3, $4, $5, $6)`

func (q *Queries) EnsureAccount(ctx context.Context, userID, walletType string, initial int64) error {
	if walletType == "" {
		walletType = "main"
	}
	_, err := q.db.Exec(ctx, ensureAccount, userID, initial, walletType, false)
	return err
}

func (q *Queries) Account(ctx context.Context, userID string) (wager.Account, error) {
	var a wager.Account
	err := q.db.QueryRow(ctx, getAccount, userID).Scan(&a.UserID, &a.Balance, &a.WalletType, &a.IsBot, &a.UpdatedAt)
	if err != nil {
		return wager.Account{}, accountNotFound(mapNotFound(err))
	}
	return a, nil
}

func (q *Queries) Debit(ctx context.Context, userID string, amount int64, e wager.Entry) (int64, error) {
	if amount < 0 {
		return 0, errors.New("amount must be positive")
	}
	var bal int64
	if err := q.db.QueryRow(ctx, getAccountBalanceForUpdate, userID).Scan(&bal); err != nil {
		return 0, accountNotFound(mapNotFound(err))
	}
	if bal < amount {
		return 0, wager.ErrInsufficientBalance
	}
	newBal := bal - amount
	if _, err := q.db.Exec(ctx, updateAccountBalance, userID, newBal); err != nil {
		return 0, err
	}
	if _, err := q.db.Exec(ctx, insertLedgerEntry, wager.NewID(), userID, e.Type, -amount, e.RefType, e.RefID); err != nil {
		return 0, err
	}
	return newBal, nil
}

func (q *Queries) Credit(ctx context.Context, userID string, amount int64, e wager.Entry) (int64, error) {
	if amount < 0 {
		return 0, errors.New("amount must be positive")
	}
	var bal int64
	if err := q.db.QueryRow(ctx, getAccountBalanceForUpdate, userID).Scan(&bal); err != nil {
		return 0, accountNotFound(mapNotFound(err))
	}
	newBal := bal + amount
	if _, err := q.db.Exec(ctx, updateAccountBalance, userID, newBal); err != nil {
		return 0, err
	}
	if _, err := q.db.Exec(ctx, insertLedgerEntry, wager.NewID(), userID, e.Type, amount, e.RefType, e.RefID); err != nil {
		return 0, err
	}
	return newBal, nil
}

func accountNotFound(err error) error {
	if errors.Is(err, wager.ErrNotFound) {
		return wager.ErrInvalidUser
	}
	return err
}
