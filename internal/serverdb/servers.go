package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/graphnote/graphnote/internal/schema"
)

const serverColumns = `id, name, type, url, token, running, created_at`

// UpsertSyncServer registers a sync server or replaces its settings.
func (q queries) UpsertSyncServer(ctx context.Context, s *schema.SyncServer) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = schema.Now()
	}

	query := `
		INSERT INTO sync_servers (` + serverColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			url = excluded.url,
			token = excluded.token,
			running = excluded.running
	`
	_, err := q.exec(ctx, query,
		s.ID, s.Name, string(s.Type), s.URL, s.Token, boolToInt(s.Running), schema.Millis(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert sync server %s: %w", s.ID, err)
	}
	return nil
}

// GetSyncServer returns a server or an error wrapping schema.ErrNotFound.
func (q queries) GetSyncServer(ctx context.Context, id string) (*schema.SyncServer, error) {
	row := q.queryRow(ctx, `SELECT `+serverColumns+` FROM sync_servers WHERE id = ?`, id)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync server %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync server %s: %w", id, err)
	}
	return s, nil
}

// LatestOfficialServer returns the most recently created official server
// with a non-empty url.
func (q queries) LatestOfficialServer(ctx context.Context) (*schema.SyncServer, error) {
	query := `SELECT ` + serverColumns + ` FROM sync_servers
		WHERE type = ? AND url <> ''
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	s, err := scanServer(q.queryRow(ctx, query, string(schema.SyncServerOfficial)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("official sync server: %w", schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select official sync server: %w", err)
	}
	return s, nil
}

// ListSyncServers returns servers newest first, optionally only running ones.
func (q queries) ListSyncServers(ctx context.Context, runningOnly bool) ([]*schema.SyncServer, error) {
	query := `SELECT ` + serverColumns + ` FROM sync_servers`
	var args []interface{}
	if runningOnly {
		query += ` WHERE running = ?`
		args = append(args, 1)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync servers: %w", err)
	}
	defer rows.Close()

	var servers []*schema.SyncServer
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(row rowScanner) (*schema.SyncServer, error) {
	var (
		s         schema.SyncServer
		typ       string
		running   int
		createdAt int64
	)
	if err := row.Scan(&s.ID, &s.Name, &typ, &s.URL, &s.Token, &running, &createdAt); err != nil {
		return nil, err
	}
	s.Type = schema.SyncServerType(typ)
	s.Running = running != 0
	s.CreatedAt = schema.FromMillis(createdAt)
	return &s, nil
}
