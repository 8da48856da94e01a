// Package localdb is the on-device store for spaces and nodes.
//
// It is an embedded SQLite database in WAL mode, so the CLI, the sync daemon
// and an editor process can read while one of them writes.
//
// Architecture:
//   - Database file: ~/.graphnote/local.db
//   - Schema: spaces, nodes
//   - Timestamps: unix milliseconds (INTEGER), see schema.Millis
//   - Indexes: (space_id, updated_at) for watermark queries
//
// The sync engine reads the store through the syncer.Store interface; every
// method here takes a context so a cancelled pass stops between statements.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and applies connection pragmas.
// The schema is not created; call InitSchema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	db, err := localdb.Open(filepath.Join(home, "local.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext is InitSchema with a context.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schemaSQL := `
		CREATE TABLE IF NOT EXISTS spaces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subdomain TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 0,
			editor_mode TEXT NOT NULL DEFAULT '',
			encrypted INTEGER NOT NULL DEFAULT 0,
			password TEXT NOT NULL DEFAULT '',
			sync_server_id TEXT NOT NULL DEFAULT '',
			sync_server_url TEXT NOT NULL DEFAULT '',
			sync_server_access_token TEXT NOT NULL DEFAULT '',
			active_node_ids TEXT NOT NULL DEFAULT '[]',
			node_snapshot TEXT,
			page_snapshot TEXT,
			nodes_last_updated_at INTEGER NOT NULL DEFAULT 0,
			nodes_last_pushed_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			collapsed INTEGER NOT NULL DEFAULT 0,
			element TEXT,
			props TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (space_id) REFERENCES spaces(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_spaces_user ON spaces(user_id);
		CREATE INDEX IF NOT EXISTS idx_nodes_space_updated ON nodes(space_id, updated_at);
		CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
	`

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawToNullString(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullStringToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
