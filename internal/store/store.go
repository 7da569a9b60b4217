// Package store provides the persistent SQLite store backing the key pool.
//
// The store owns five tables: api_keys, key_stats, rate_limits,
// suspended_keys, and global_state. All timestamps are persisted as Unix
// seconds so range scans over rate_limits stay index-friendly. Connections
// are pooled by database/sql; every mutating method commits before
// returning, so readers observe committed state only.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store wraps the SQLite database holding all key state.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path,
// initializes the schema, and runs pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	// SQLite supports a single writer; serializing through one connection
	// avoids SQLITE_BUSY churn under concurrent request handlers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	log.Debug().Str("path", path).Msg("opened key store")

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for package-internal queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// initSchema creates all tables. Every statement is idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		key_type TEXT NOT NULL DEFAULT 'free',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);

	CREATE TABLE IF NOT EXISTS key_stats (
		key TEXT PRIMARY KEY,
		total_requests INTEGER NOT NULL DEFAULT 0,
		successful_requests INTEGER NOT NULL DEFAULT 0,
		failed_requests INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER,
		last_success INTEGER,
		last_error_code INTEGER,
		last_error_time INTEGER,
		error_counts TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (key) REFERENCES api_keys(key)
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		request_time INTEGER NOT NULL,
		FOREIGN KEY (key) REFERENCES api_keys(key)
	);

	CREATE INDEX IF NOT EXISTS idx_rate_limits_key_time
	ON rate_limits(key, request_time);

	CREATE TABLE IF NOT EXISTS suspended_keys (
		key TEXT PRIMARY KEY,
		resume_time INTEGER NOT NULL,
		reason TEXT,
		FOREIGN KEY (key) REFERENCES api_keys(key)
	);

	CREATE TABLE IF NOT EXISTS global_state (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Mandatory global row; ON CONFLICT keeps restarts from resetting it.
	_, err := s.db.Exec(
		`INSERT INTO global_state (name, value) VALUES (?, '0')
		 ON CONFLICT(name) DO NOTHING`,
		GlobalFreeKeyFailures,
	)
	return err
}

// GlobalFreeKeyFailures is the global_state row tracking consecutive
// failures across the free tier.
const GlobalFreeKeyFailures = "free_key_consecutive_failures"
