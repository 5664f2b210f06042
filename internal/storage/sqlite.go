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
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// Storage for dispatcher-reserved slots (dispatch_slots) is physically
// separate from module field storage (fields, field_entries); a module can
// never address a reserved slot through its own layout.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  label      TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_slots (
  instance_id TEXT NOT NULL,
  slot        BLOB NOT NULL,
  value       BLOB,
  PRIMARY KEY (instance_id, slot)
);`,
		`CREATE TABLE IF NOT EXISTS init_records (
  instance_id TEXT PRIMARY KEY,
  version     BLOB NOT NULL,
  in_progress INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS fields (
  instance_id TEXT NOT NULL,
  idx         INTEGER NOT NULL,
  value       BLOB,
  PRIMARY KEY (instance_id, idx)
);`,
		`CREATE TABLE IF NOT EXISTS field_entries (
  instance_id TEXT NOT NULL,
  idx         INTEGER NOT NULL,
  key         BLOB NOT NULL,
  value       BLOB,
  PRIMARY KEY (instance_id, idx, key)
);`,
		`CREATE TABLE IF NOT EXISTS governors (
  id         TEXT PRIMARY KEY,
  identity   BLOB NOT NULL,
  owner      BLOB NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dispatchers (
  name        TEXT PRIMARY KEY,
  instance_id TEXT NOT NULL,
  identity    BLOB NOT NULL,
  governor_id TEXT NOT NULL,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS call_log (
  id          TEXT PRIMARY KEY,
  dispatcher  TEXT NOT NULL,
  caller      BLOB NOT NULL,
  selector    BLOB,
  path        TEXT NOT NULL,
  status      TEXT NOT NULL,
  error       TEXT,
  duration_ms INTEGER,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS event_log (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  instance_id TEXT NOT NULL,
  type        TEXT NOT NULL,
  data        JSON,
  created_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS call_log_dispatcher_created_at_idx ON call_log(dispatcher, created_at);`,
		`CREATE INDEX IF NOT EXISTS event_log_instance_seq_idx ON event_log(instance_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
