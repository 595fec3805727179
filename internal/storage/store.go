package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"custody-mint-sync/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open builds the configured persistence backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (Port, error) {
	logger = logger.With().Str("component", "storage").Logger()
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(cfg.Namespace), nil
	case "file":
		return NewFile(cfg.Path, cfg.Namespace)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, cfg.Namespace, logger)
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err := NewPostgres(ctx, pool, cfg.Namespace, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
