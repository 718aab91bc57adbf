// Package postgres owns the durable half of the server: the pgx connection
// pool used by every repository, and the embedded goose migrations that shape
// the schema on boot.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vigil-app/vigil-server/internal/postgres/migrations"
)

// Connect builds a pgxpool sized from configuration and verifies it with a
// ping before handing it out. Callers own Close.
func Connect(ctx context.Context, dsn string, maxConns, minConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies every pending migration from the embedded FS. Goose keeps
// its version table in the same database, so repeated runs are no-ops. It
// opens its own database/sql connection; the pgx pool stays untouched.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(migrationLogger{log: log.Logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrationLogger routes goose output through zerolog. Goose calls Fatalf for
// failures it has already turned into a returned error, so it maps to Error
// rather than a process exit.
type migrationLogger struct {
	log zerolog.Logger
}

func (m migrationLogger) Fatalf(format string, v ...any) { m.log.Error().Msgf(format, v...) }
func (m migrationLogger) Printf(format string, v ...any) { m.log.Info().Msgf(format, v...) }
