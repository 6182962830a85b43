// Package config loads server settings from the environment, with an
// optional .env file.
package config

import (
	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string `env:"GONOTE_ADDR" envDefault:"0.0.0.0:8080"`
	ReadPassword  string `env:"GONOTE_READ_PASSWORD"`
	WritePassword string `env:"GONOTE_WRITE_PASSWORD"`
	OplogPath     string `env:"GONOTE_OPLOG"`
	Announce      bool   `env:"GONOTE_ANNOUNCE"`
	SessionName   string `env:"GONOTE_SESSION" envDefault:"gonote"`
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
