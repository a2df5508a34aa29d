package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty      bool   `env:"LOG_PRETTY" envDefault:"false"`
	SampleEvery int    `env:"LOG_SAMPLE_EVERY" envDefault:"0"`
	// Caller adds file:line to every entry.
	Caller bool `env:"LOG_CALLER" envDefault:"false"`

	File      string `env:"LOG_FILE"`
	MaxMB     int    `env:"LOG_MAX_MB" envDefault:"10"`
	KeepFiles int    `env:"LOG_KEEP_FILES" envDefault:"3"`

	// Service and Instance are stamped on every entry so lines from several
	// engine instances can be told apart.
	Service  string `env:"LOG_SERVICE" envDefault:"wager-server"`
	Instance string `env:"INSTANCE_ID"`
}

func LoadLog() (LogConfig, error) {
	var cfg LogConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err != nil {
		return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.KeepFiles < 0 {
		return cfg, fmt.Errorf("LOG_KEEP_FILES must be >= 0, got %d", cfg.KeepFiles)
	}
	return cfg, nil
}
