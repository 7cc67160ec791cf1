package store

import (
	"errors"
	"fmt"

	"github.com/carelane/portalchat/internal/store/migrations"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending migrations on the database. Both the daemon and
// the background delivery process call it on open; whichever runs first
// applies the schema and the other sees no change.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: changed,
	}, nil
}

// The migrate instance is never closed: closing it would close db.DB.
func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}
