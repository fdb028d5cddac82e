// Package config loads the environment-variable table of spec.md §6 into a
// validated struct, grounded on the teacher's config/config.go (same
// caarlos0/env + go-playground/validator pairing, generalized from the
// teacher's HTTP-service env vars to the scheduler's project-layout ones).
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	ProjectDir      string `env:"PROJECT_DIR"`
	FlowsDirname    string `env:"FLOWS_DIRNAME"`
	DatabaseName    string `env:"DATABASE_NAME" envDefault:"operational.db" validate:"required"`
	LogDatabaseName string `env:"LOG_DATABASE_NAME" envDefault:"log.db" validate:"required"`

	LogDebug bool `env:"LOG_DEBUG" envDefault:"false"`
	LogQuiet bool `env:"LOG_QUIET" envDefault:"false"`

	CacheTimeoutSec int `env:"CACHE_TIMEOUT" envDefault:"86400" validate:"min=1"`

	Worker    int `env:"WORKER" envDefault:"1" validate:"min=1,max=256"`
	Heartbeat int `env:"HEARTBEAT" envDefault:"30" validate:"min=1,max=3600"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// CacheTimeout is the parsed form of CACHE_TIMEOUT (spec §6 cache GC age).
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutSec) * time.Second
}

// HeartbeatInterval is the parsed form of HEARTBEAT (tick interval, spec §4.2).
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

// SlogLevel maps LOG_DEBUG/LOG_QUIET to a slog.Level the way the teacher's
// LOG_LEVEL string did, but as the two booleans spec.md §6 actually names.
func (c *Config) SlogLevel() slog.Level {
	switch {
	case c.LogDebug:
		return slog.LevelDebug
	case c.LogQuiet:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
