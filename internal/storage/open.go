package storage

import (
	"context"

	"github.com/quantumlife/spendcoach/internal/logging"
)

// BackendConfig selects and configures a Store
type BackendConfig struct {
	Backend string      `json:"backend" yaml:"backend"` // sqlite, redis or memory
	SQLite  Config      `json:"sqlite" yaml:"sqlite"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

// OpenBackend opens the configured backend, running migrations for SQLite
func OpenBackend(ctx context.Context, cfg BackendConfig) (Store, error) {
	backend, err := ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	log := logging.WithField("component", "storage")

	switch backend {
	case BackendMemory:
		log.Warn("using in-memory storage, nothing will survive a restart")
		return NewMemoryRepository(), nil

	case BackendRedis:
		repo, err := OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info("connected to redis at %s", cfg.Redis.Addr)
		return repo, nil

	default:
		db, err := Open(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("opened sqlite database at %s", cfg.SQLite.Path)
		return NewSQLiteRepository(db), nil
	}
}
