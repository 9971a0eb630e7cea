package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_fingerprints (
  fingerprint   TEXT PRIMARY KEY,
  first_seen_at TEXT NOT NULL,
  expires_at    INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS event_deliveries (
  id          TEXT PRIMARY KEY,
  request_id  TEXT,
  fingerprint TEXT,
  event_kind  TEXT NOT NULL,
  event_type  TEXT,
  channel     TEXT,
  outcome     TEXT NOT NULL,
  reason      TEXT,
  last_error  TEXT,
  message_id  TEXT,
  retry_num   INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  received_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS event_fingerprints_expires_at_idx ON event_fingerprints(expires_at);`,
		`CREATE INDEX IF NOT EXISTS event_deliveries_received_at_idx ON event_deliveries(received_at);`,
		`CREATE INDEX IF NOT EXISTS event_deliveries_outcome_idx ON event_deliveries(outcome, received_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
