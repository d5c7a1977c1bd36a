// Package store persists conversation and membership state in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding conversations, their members, the
// teams the app belongs to and the last delivery cursor.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	id TEXT NOT NULL,
	domain TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	group_id BLOB,
	team_id TEXT,
	kind TEXT NOT NULL,
	PRIMARY KEY (id, domain)
);
CREATE INDEX IF NOT EXISTS conversation_group_id ON conversation (group_id);
CREATE TABLE IF NOT EXISTS conversation_member (
	user_id TEXT NOT NULL,
	user_domain TEXT NOT NULL,
	conv_id TEXT NOT NULL,
	conv_domain TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (user_id, user_domain, conv_id, conv_domain)
);
CREATE TABLE IF NOT EXISTS team (
	id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// migrations upgrade the schema in order. Entry i moves PRAGMA user_version
// from i to i+1.
var migrations = []string{
	schema,
	// GetMembers looks members up by conversation; the primary key leads
	// with the user.
	`CREATE INDEX IF NOT EXISTS conversation_member_conv ON conversation_member (conv_id, conv_domain);`,
}

// DefaultDataDir returns the default data directory for wire-go databases.
// Uses $XDG_DATA_HOME/wire-go, falling back to ~/.local/share/wire-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "wire-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/wire-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	// Router tasks write from several goroutines; wait on the lock instead of failing.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies the migrations past the stored schema version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrate(db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func migrate(db *sql.DB, version int, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set schema version %d: %w", version, err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// notFound maps sql.ErrNoRows to a nil error so callers can return (nil, nil).
func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
