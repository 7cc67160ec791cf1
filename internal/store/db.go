package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the session's SQLite database. The daemon and the background
// delivery process open the same file, so WAL and a busy timeout are required.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// OpenMigrated opens the database and applies pending migrations.
func OpenMigrated(path string) (*DB, *MigrateResult, error) {
	db, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, result, nil
}
