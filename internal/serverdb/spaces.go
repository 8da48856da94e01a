package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/graphnote/graphnote/internal/schema"
)

const spaceColumns = `id, user_id, subdomain, name, color, is_active, editor_mode, encrypted,
	active_node_ids, node_snapshot, page_snapshot, sync_server_id, created_at, updated_at`

// InsertSpace stores a newly provisioned space.
func (q queries) InsertSpace(ctx context.Context, s *schema.Space) error {
	now := schema.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	activeIDs, err := json.Marshal(s.ActiveNodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal active node ids: %w", err)
	}
	if s.ActiveNodeIDs == nil {
		activeIDs = []byte("[]")
	}

	query := `INSERT INTO spaces (` + spaceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.exec(ctx, query,
		s.ID,
		s.UserID,
		s.Subdomain,
		s.Name,
		s.Color,
		boolToInt(s.IsActive),
		string(s.EditorMode),
		boolToInt(s.Encrypted),
		string(activeIDs),
		nullableJSON(s.NodeSnapshot),
		nullableJSON(s.PageSnapshot),
		s.SyncServerID,
		schema.Millis(s.CreatedAt),
		schema.Millis(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert space %s: %w", s.ID, err)
	}
	return nil
}

// GetSpace returns a space or an error wrapping schema.ErrNotFound.
func (q queries) GetSpace(ctx context.Context, id string) (*schema.Space, error) {
	row := q.queryRow(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id = ?`, id)
	s, err := scanSpace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("space %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get space %s: %w", id, err)
	}
	return s, nil
}

// ListSpacesByUser returns the user's spaces, oldest first.
func (q queries) ListSpacesByUser(ctx context.Context, userID string) ([]*schema.Space, error) {
	rows, err := q.query(ctx,
		`SELECT `+spaceColumns+` FROM spaces WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []*schema.Space
	for rows.Next() {
		s, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan space: %w", err)
		}
		spaces = append(spaces, s)
	}
	return spaces, rows.Err()
}

// SetSpaceServer binds a space to another sync server.
func (q queries) SetSpaceServer(ctx context.Context, spaceID, serverID string) error {
	result, err := q.exec(ctx, `UPDATE spaces SET sync_server_id = ?, updated_at = ? WHERE id = ?`,
		serverID, schema.Millis(schema.Now()), spaceID)
	if err != nil {
		return fmt.Errorf("failed to bind space %s: %w", spaceID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("space %s: %w", spaceID, schema.ErrNotFound)
	}
	return nil
}

// CountSpaces returns the number of provisioned spaces.
func (q queries) CountSpaces(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM spaces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count spaces: %w", err)
	}
	return n, nil
}

// InsertGrant records an issued access token.
func (q queries) InsertGrant(ctx context.Context, g *schema.AccessGrant) error {
	if g.IssuedAt.IsZero() {
		g.IssuedAt = schema.Now()
	}
	_, err := q.exec(ctx, `
		INSERT INTO access_grants (id, space_id, user_id, sync_server_id, token_hash, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.SpaceID, g.UserID, g.SyncServerID, g.TokenHash, schema.Millis(g.IssuedAt))
	if err != nil {
		return fmt.Errorf("failed to insert access grant for space %s: %w", g.SpaceID, err)
	}
	return nil
}

// RevokeGrants revokes every active grant of a space.
func (q queries) RevokeGrants(ctx context.Context, spaceID string, at time.Time) (int64, error) {
	result, err := q.exec(ctx,
		`UPDATE access_grants SET revoked_at = ? WHERE space_id = ? AND revoked_at IS NULL`,
		schema.Millis(at), spaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants for space %s: %w", spaceID, err)
	}
	return result.RowsAffected()
}

// GrantActive reports whether tokenHash was issued for the space on the
// server and has not been revoked.
func (q queries) GrantActive(ctx context.Context, spaceID, serverID, tokenHash string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `
		SELECT COUNT(*) FROM access_grants
		WHERE space_id = ? AND sync_server_id = ? AND token_hash = ? AND revoked_at IS NULL`,
		spaceID, serverID, tokenHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up access grant: %w", err)
	}
	return n > 0, nil
}

// CountGrants returns the number of grants, for one space or all.
func (q queries) CountGrants(ctx context.Context, spaceID string) (int, error) {
	query := `SELECT COUNT(*) FROM access_grants`
	var args []interface{}
	if spaceID != "" {
		query += ` WHERE space_id = ?`
		args = append(args, spaceID)
	}
	var n int
	if err := q.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count grants: %w", err)
	}
	return n, nil
}

func scanSpace(row rowScanner) (*schema.Space, error) {
	var (
		s                          schema.Space
		editorMode, activeIDs      string
		isActive, encrypted        int
		nodeSnapshot, pageSnapshot sql.NullString
		createdAt, updatedAt       int64
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Subdomain,
		&s.Name,
		&s.Color,
		&isActive,
		&editorMode,
		&encrypted,
		&activeIDs,
		&nodeSnapshot,
		&pageSnapshot,
		&s.SyncServerID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.IsActive = isActive != 0
	s.Encrypted = encrypted != 0
	s.EditorMode = schema.EditorMode(editorMode)
	if nodeSnapshot.Valid {
		s.NodeSnapshot = json.RawMessage(nodeSnapshot.String)
	}
	if pageSnapshot.Valid {
		s.PageSnapshot = json.RawMessage(pageSnapshot.String)
	}
	if err := json.Unmarshal([]byte(activeIDs), &s.ActiveNodeIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal active node ids: %w", err)
	}
	if len(s.ActiveNodeIDs) == 0 {
		s.ActiveNodeIDs = nil
	}
	s.CreatedAt = schema.FromMillis(createdAt)
	s.UpdatedAt = schema.FromMillis(updatedAt)
	return &s, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
