package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	sqliteLoadSQL   = `SELECT value FROM kv_collections WHERE key = ?`
	sqliteUpsertSQL = `INSERT INTO kv_collections (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	sqliteDeleteSQL = `DELETE FROM kv_collections WHERE key = ?`
)

// SQLite persists collections in a single-file database.
type SQLite struct {
	db        *sql.DB
	namespace string
}

var _ Port = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path, namespace string, logger zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.path is required for the sqlite backend")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("mkdir", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", path, err)
	}
	// Single writer; WAL readers do not need extra connections here.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, goose.DialectSQLite3, "sqlite", logger); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", path, err)
	}

	return &SQLite{db: db, namespace: namespace}, nil
}

func (s *SQLite) Load(ctx context.Context, c Collection) ([]byte, error) {
	key := Key(s.namespace, c)
	var raw []byte
	err := s.db.QueryRowContext(ctx, sqliteLoadSQL, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load", key, err)
	}
	return raw, nil
}

func (s *SQLite) Save(ctx context.Context, c Collection, data []byte) error {
	key := Key(s.namespace, c)
	_, err := s.db.ExecContext(ctx, sqliteUpsertSQL, key, data, time.Now().UnixMilli())
	return wrap("save", key, err)
}

func (s *SQLite) Clear(ctx context.Context, cs ...Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("clear", s.namespace, err)
	}
	for _, c := range clearTargets(cs) {
		if _, err := tx.ExecContext(ctx, sqliteDeleteSQL, Key(s.namespace, c)); err != nil {
			_ = tx.Rollback()
			return wrap("clear", Key(s.namespace, c), err)
		}
	}
	return wrap("clear", s.namespace, tx.Commit())
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
