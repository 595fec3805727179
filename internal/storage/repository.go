package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	loadCollectionSQL = `SELECT value FROM kv_collections WHERE key = $1;`

	upsertCollectionSQL = `INSERT INTO kv_collections (key, value, updated_at)
    VALUES ($1, $2::jsonb, now())
    ON CONFLICT (key) DO UPDATE
    SET value      = EXCLUDED.value,
        updated_at = EXCLUDED.updated_at;`

	clearCollectionsSQL = `DELETE FROM kv_collections WHERE key = ANY($1);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Postgres persists collections in a shared PostgreSQL table.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
	logger    zerolog.Logger
}

var (
	_ Port           = (*Postgres)(nil)
	_ AdvisoryLocker = (*Postgres)(nil)
)

// NewPostgres migrates the schema and wires the pool into a backend.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, namespace string, logger zerolog.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	// The pool stays owned by the caller; idle sql conns go straight back to it.
	db := stdlib.OpenDBFromPool(pool)
	db.SetMaxIdleConns(0)
	if err := runMigrations(ctx, db, goose.DialectPostgres, "postgres", logger); err != nil {
		return nil, wrap("migrate", namespace, err)
	}
	return &Postgres{pool: pool, namespace: namespace, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Postgres) Load(ctx context.Context, c Collection) ([]byte, error) {
	key := Key(s.namespace, c)
	pool, err := s.getPool()
	if err != nil {
		return nil, wrap("load", key, err)
	}
	var raw []byte
	err = pool.QueryRow(ctx, loadCollectionSQL, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load", key, err)
	}
	return raw, nil
}

func (s *Postgres) Save(ctx context.Context, c Collection, data []byte) error {
	key := Key(s.namespace, c)
	pool, err := s.getPool()
	if err != nil {
		return wrap("save", key, err)
	}
	if _, err := pool.Exec(ctx, upsertCollectionSQL, key, string(data)); err != nil {
		return wrap("save", key, err)
	}
	return nil
}

func (s *Postgres) Clear(ctx context.Context, cs ...Collection) error {
	pool, err := s.getPool()
	if err != nil {
		return wrap("clear", s.namespace, err)
	}
	targets := clearTargets(cs)
	keys := make([]string, 0, len(targets))
	for _, c := range targets {
		keys = append(keys, Key(s.namespace, c))
	}
	if _, err := pool.Exec(ctx, clearCollectionsSQL, keys); err != nil {
		return wrap("clear", s.namespace, err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// One engine instance per namespace holds it for its lifetime.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}
