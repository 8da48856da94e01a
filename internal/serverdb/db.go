// Package serverdb stores the backend's records: registered sync servers,
// provisioned spaces, issued access grants and the nodes each space has
// pushed to its sync server.
//
// The same queries run on SQLite (embedded, used for single-node deployments
// and tests) and PostgreSQL. Queries are written with "?" placeholders and
// rebound for the target dialect. Timestamps are BIGINT unix milliseconds
// and booleans are INTEGER 0/1 on both.
package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/graphnote/graphnote/internal/schema"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the driver names users are likely to configure.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("%w: unsupported database driver %q", schema.ErrInvalidArgument, s)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries holds the statements shared by DB and Tx.
type queries struct {
	q       querier
	dialect Dialect
}

func (q queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q queries) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.dialect.rebind(query), args...)
}

func (q queries) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return q.q.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

// DB is the backend database.
type DB struct {
	queries
	conn *sql.DB
}

// Open connects to the database. For SQLite, dsn is a file path; for
// PostgreSQL, a lib/pq connection string.
//
// Example:
//
//	db, err := serverdb.Open(serverdb.DialectPostgres, "postgres://gn@localhost/gn?sslmode=disable")
func Open(dialect Dialect, dsn string) (*DB, error) {
	connStr := dsn
	if dialect == DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	conn, err := sql.Open(dialect.driverName(), connStr)
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

	if dialect == DialectSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	return &DB{queries: queries{q: conn, dialect: dialect}, conn: conn}, nil
}

// Dialect returns the database flavour.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// RawDB returns the underlying connection pool.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			running INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS spaces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subdomain TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 0,
			editor_mode TEXT NOT NULL DEFAULT '',
			encrypted INTEGER NOT NULL DEFAULT 0,
			active_node_ids TEXT NOT NULL DEFAULT '[]',
			node_snapshot TEXT,
			page_snapshot TEXT,
			sync_server_id TEXT NOT NULL REFERENCES sync_servers(id),
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS access_grants (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			sync_server_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			issued_at BIGINT NOT NULL,
			revoked_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS sync_nodes (
			space_id TEXT NOT NULL,
			id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			collapsed INTEGER NOT NULL DEFAULT 0,
			element TEXT,
			props TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (space_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spaces_user ON spaces(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_space ON access_grants(space_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_nodes_updated ON sync_nodes(space_id, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
