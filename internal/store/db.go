// Package store is the relational storage of service requests and their
// providers. The same SQL runs on Postgres (pgx) and on SQLite, which backs
// local runs and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"provider-scout/migrations"
	"provider-scout/pkg/utils"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Open opens the database for driver and applies pool settings.
// dsn must not be logged; it contains secrets.
func Open(ctx context.Context, driver, dsn string, pool utils.PoolConfig) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
		return utils.OpenDB(ctx, driver, dsn, pool)
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// OpenSQLite opens a SQLite database file. Writes are serialized through a
// single connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return utils.OpenDB(ctx, DriverSQLite, dsn, utils.PoolConfig{MaxOpenConns: 1})
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	dialect := goose.DialectPostgres
	if driver == DriverSQLite {
		dialect = goose.DialectSQLite3
	}
	p, err := goose.NewProvider(dialect, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("store: migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	for _, r := range results {
		slog.Default().Info("migration_applied", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}
