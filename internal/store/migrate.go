package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/streakchat/internal/store/migrations"
)

// ErrDirtySchema means a previous migration stopped halfway.
var ErrDirtySchema = errors.New("store: journal schema is dirty")

// Schema is the journal's migration state.
type Schema struct {
	Version uint
	// Applied is true when this run moved the version forward.
	Applied bool
}

// Migrate applies pending journal migrations. Open already calls it.
func (db *DB) Migrate() (Schema, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return Schema{}, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return Schema{}, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return Schema{}, fmt.Errorf("migration instance: %w", err)
	}

	if _, dirty, err := m.Version(); err == nil && dirty {
		return Schema{}, ErrDirtySchema
	}

	applied := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		applied = false
	} else if err != nil {
		return Schema{}, fmt.Errorf("migration up: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return Schema{}, fmt.Errorf("migration version: %w", err)
	}
	db.schema = Schema{Version: version, Applied: applied}
	return db.schema, nil
}
