package ledger

import (
	"context"

	"wagercore/internal/wager"
)

// Ledger names every balance movement the games make. It always runs on the
// repository of the caller's transaction.
type Ledger struct {
	Repo wager.LedgerRepository
}

func New(repo wager.LedgerRepository) *Ledger {
	return &Ledger{Repo: repo}
}

func (l *Ledger) DebitStake(ctx context.Context, userID string, kind wager.GameKind, refID string, amount int64) (int64, error) {
	return l.Repo.Debit(ctx, userID, amount, wager.Entry{Type: "stake_debit", RefType: string(kind), RefID: refID})
}

func (l *Ledger) CreditPayout(ctx context.Context, userID string, kind wager.GameKind, refID string, amount int64) (int64, error) {
	return l.Repo.Credit(ctx, userID, amount, wager.Entry{Type: "payout_credit", RefType: string(kind), RefID: refID})
}

func (l *Ledger) Refund(ctx context.Context, userID string, kind wager.GameKind, refID string, amount int64) (int64, error) {
	return l.Repo.Credit(ctx, userID, amount, wager.Entry{Type: "refund_credit", RefType: string(kind), RefID: refID})
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	a, err := l.Repo.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (l *Ledger) WalletType(ctx context.Context, userID string) (string, error) {
	a, err := l.Repo.Account(ctx, userID)
	if err != nil {
		return "", err
	}
	return a.WalletType, nil
}
