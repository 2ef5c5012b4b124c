// Package db stores conversation transcripts in SQLite so a conversation
// can be resumed after a restart.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// timeLayout sorts lexically in time order, which PruneBefore relies on.
const timeLayout = "2006-01-02 15:04:05"

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) stamp() string {
	return d.now().UTC().Format(timeLayout)
}
