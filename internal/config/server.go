package config

import "github.com/caarlos0/env/v11"

type ServerConfig struct {
	PostgresDSN string `env:"POSTGRES_DSN,required,notEmpty"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`
	InstanceID  string `env:"INSTANCE_ID"`

	// Seeds accounts on first connect; zero leaves new accounts empty.
	InitialBalanceCC int64 `env:"INITIAL_BALANCE_CC" envDefault:"0"`
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	err := env.Parse(&cfg)
	return cfg, err
}
