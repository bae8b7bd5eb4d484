// Package store is the profile's SQLite database. Only the call log lives
// here; chats and messages are always fetched from the server.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// pragmas go-sqlite3 applies to every pooled connection.
var pragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
}

// DB is an open call log.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database file at path, creating it if needed, and fails
// unless a connection can be made.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?"+pragmas.Encode())
	if err == nil {
		err = conn.Ping()
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open call log %s: %w", path, err)
	}
	return &DB{DB: conn, path: path}, nil
}

func (db *DB) Path() string { return db.path }
