package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies all pending schema migrations embedded in the binary. It is
// safe to call on every startup; already-applied migrations are skipped.
func (d *Database) migrate(_ context.Context) error {
	var dir string
	var m *migrate.Migrate

	switch d.kind {
	case kindPostgres:
		dir = "migrations/postgres"
		src, err := iofs.New(migrationsFS, dir)
		if err != nil {
			return fmt.Errorf("create migration source: %w", err)
		}
		db, err := migratepgx.WithInstance(d.db, &migratepgx.Config{})
		if err != nil {
			return fmt.Errorf("create migration db driver: %w", err)
		}
		if m, err = migrate.NewWithInstance("iofs", src, "pgx", db); err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	default:
		dir = "migrations/sqlite"
		src, err := iofs.New(migrationsFS, dir)
		if err != nil {
			return fmt.Errorf("create migration source: %w", err)
		}
		db, err := migratesqlite.WithInstance(d.db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create migration db driver: %w", err)
		}
		if m, err = migrate.NewWithInstance("iofs", src, "sqlite", db); err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}

	d.log.Debugf("Database schema is current")
	return nil
}
