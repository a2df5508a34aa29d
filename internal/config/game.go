package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type GameConfig struct {
	HouseEdge     float64 `env:"HOUSE_EDGE" envDefault:"0.01"`
	MaxWinCC      int64   `env:"MAX_WIN_CC" envDefault:"100000000"`
	MinesMinBetCC int64   `env:"MINES_MIN_BET_CC" envDefault:"1"`
	MinesMaxBetCC int64   `env:"MINES_MAX_BET_CC" envDefault:"1000000"`

	BattlesHouseEdge     float64       `env:"BATTLES_HOUSE_EDGE" envDefault:"0.05"`
	BattlesMaxCaseCostCC int64         `env:"BATTLES_MAX_CASE_COST_CC" envDefault:"10000000"`
	BattlesMaxCases      int           `env:"BATTLES_MAX_CASES" envDefault:"50"`
	BattlesSpinDelay     time.Duration `env:"BATTLES_SPIN_DELAY" envDefault:"5s"`
	BattlesStartDelay    time.Duration `env:"BATTLES_START_DELAY" envDefault:"2s"`
	BattlesRetention     time.Duration `env:"BATTLES_RETENTION" envDefault:"10m"`

	LockTTL      time.Duration `env:"LOCK_TTL" envDefault:"5s"`
	LockAttempts int           `env:"LOCK_ATTEMPTS" envDefault:"5"`
	LockBackoff  time.Duration `env:"LOCK_BACKOFF" envDefault:"50ms"`
	CASAttempts  int           `env:"CAS_ATTEMPTS" envDefault:"10"`

	PayoutMaxRetries   int           `env:"PAYOUT_MAX_RETRIES" envDefault:"5"`
	PayoutBackoff      time.Duration `env:"PAYOUT_BACKOFF" envDefault:"2s"`
	PayoutMaxBackoff   time.Duration `env:"PAYOUT_MAX_BACKOFF" envDefault:"5m"`
	PayoutRetention    time.Duration `env:"PAYOUT_RETENTION" envDefault:"72h"`
	PayoutPollInterval time.Duration `env:"PAYOUT_POLL_INTERVAL" envDefault:"5s"`

	TaskPollInterval time.Duration `env:"TASK_POLL_INTERVAL" envDefault:"1s"`
	SessionCacheTTL  time.Duration `env:"SESSION_CACHE_TTL" envDefault:"24h"`
}

func LoadGame() (GameConfig, error) {
	var cfg GameConfig
	err := env.Parse(&cfg)
	return cfg, err
}
