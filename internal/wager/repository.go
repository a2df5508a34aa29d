package wager

import (
	"context"
	"time"
)

// LedgerRepository is the only way balances change. Debit fails with
// ErrInsufficientBalance and never drives a balance negative.
type LedgerRepository interface {
	EnsureAccount(ctx context.Context, userID, walletType string, initial int64) error
	Account(ctx context.Context, userID string) (Account, error)
	Debit(ctx context.Context, userID string, amount int64, e Entry) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, e Entry) (int64, error)
}

// SessionRepository stores mines sessions. Updates are version-checked and
// fail with ErrConflict when the stored version moved.
type SessionRepository interface {
	ActiveMinesSession(ctx context.Context, userID string) (*MinesSession, error)
	GetMinesSession(ctx context.Context, id string) (*MinesSession, error)
	InsertMinesSession(ctx context.Context, s *MinesSession) error
	UpdateMinesSession(ctx context.Context, s *MinesSession) error
}

type RoomRepository interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
	InsertRoom(ctx context.Context, r *Room) error
	UpdateRoom(ctx context.Context, r *Room) error
	ListOpenRooms(ctx context.Context, limit int) ([]*Room, error)
}

type HistoryRepository interface {
	InsertHistory(ctx context.Context, h *HistoryRecord) error
	ListHistory(ctx context.Context, userID string, limit int) ([]HistoryRecord, error)
}

type PayoutRepository interface {
	InsertPayout(ctx context.Context, p *PendingPayout) error
	GetPayout(ctx context.Context, id string) (*PendingPayout, error)
	LockPayout(ctx context.Context, id string) (*PendingPayout, error)
	UpdatePayout(ctx context.Context, p *PendingPayout) error
	DuePayouts(ctx context.Context, now time.Time, limit int) ([]*PendingPayout, error)
	PurgePayouts(ctx context.Context, now time.Time) (int64, error)
}

type TaskRepository interface {
	UpsertTask(ctx context.Context, t *Task) error
	ClaimTask(ctx context.Context, key string, now time.Time, lease time.Duration) (*Task, error)
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
	RescheduleTask(ctx context.Context, id string, runAt time.Time, lastErr string) error
}

type CatalogRepository interface {
	GetCase(ctx context.Context, id string) (*Case, error)
}

// Repository groups every repository. Inside WithinTx all calls share one
// durable transaction.
type Repository interface {
	LedgerRepository
	SessionRepository
	RoomRepository
	HistoryRepository
	PayoutRepository
	TaskRepository
	CatalogRepository
}

// Store is the system of record. fn's writes commit together or not at all.
type Store interface {
	Repository
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
	Ping(ctx context.Context) error
}
