package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// runMigrations applies pending schema migrations from migrations/<dir>.
func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, logger zerolog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, subFS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	for _, r := range results {
		logger.Info().
			Str("source", r.Source.Path).
			Int64("duration_ms", r.Duration.Milliseconds()).
			Msg("applied migration")
	}
	return nil
}
