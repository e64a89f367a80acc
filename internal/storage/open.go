package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Driver     string
	SQLitePath string
	Postgres   DatabaseConfig
	Redis      RedisConfig
}

// Open builds the KV backend selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (KV, error) {
	switch cfg.Driver {
	case DriverMemory:
		logger.Info("Using in-memory storage")
		return NewMemoryKV(), nil
	case DriverSQLite, "":
		return NewSQLiteKV(ctx, cfg.SQLitePath, logger)
	case DriverPostgres:
		logger.Info("Using PostgreSQL storage")
		return NewPostgresKV(ctx, cfg.Postgres, logger)
	case DriverRedis:
		return NewRedisKV(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
