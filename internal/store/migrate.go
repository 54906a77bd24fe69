package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate runs every pending up migration against db's schema.
func Migrate(db *DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	var m *migrate.Migrate
	switch db.Driver {
	case Postgres:
		pgDriver, err := postgres.WithInstance(db.DB.DB, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("creating postgres migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", pgDriver)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	case SQLite:
		liteDriver, err := sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("creating sqlite migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", liteDriver)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	default:
		return fmt.Errorf("unsupported driver %q for migrations", db.Driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
