package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the session's chatsync.db. It holds the
// conversation cache, the credential store and pending upload records.
type DB struct {
	*sql.DB
	path string
}

// Open creates the database file (and its directory) if needed and connects
// with WAL mode, a busy timeout and foreign keys on.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, &PersistenceError{Op: "open", Key: path, Err: err}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, &PersistenceError{Op: "open", Key: path, Err: err}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, &PersistenceError{Op: "open", Key: path, Err: err}
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file.
func (db *DB) Path() string { return db.path }
