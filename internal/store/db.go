// Package store is the profile's SQLite journal: failed sends and the set
// of open conversations. Messages themselves are never stored here.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the profile's SQLite journal (streak.db).
type DB struct {
	*sql.DB
	schema Schema
}

// Open opens the journal at path and brings its schema up to date. A
// journal left dirty by an interrupted migration is refused.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	db := &DB{DB: conn}
	if _, err := db.Migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Schema reports the migration state observed by the last Migrate.
func (db *DB) Schema() Schema {
	return db.schema
}
