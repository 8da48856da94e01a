package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/graphnote/graphnote/internal/schema"
)

const spaceColumns = `id, user_id, subdomain, name, color, is_active, editor_mode,
	encrypted, password, sync_server_id, sync_server_url, sync_server_access_token,
	active_node_ids, node_snapshot, page_snapshot,
	nodes_last_updated_at, nodes_last_pushed_at, created_at, updated_at`

// CreateSpace inserts a new space. CreatedAt and UpdatedAt default to now.
func (db *DB) CreateSpace(ctx context.Context, space *schema.Space) error {
	if err := space.Validate(); err != nil {
		return err
	}

	now := schema.Now()
	if space.CreatedAt.IsZero() {
		space.CreatedAt = now
	}
	if space.UpdatedAt.IsZero() {
		space.UpdatedAt = now
	}

	activeIDs, err := json.Marshal(nonNil(space.ActiveNodeIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal active node ids: %w", err)
	}

	query := `INSERT INTO spaces (` + spaceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		space.ID,
		space.UserID,
		space.Subdomain,
		space.Name,
		space.Color,
		boolToInt(space.IsActive),
		string(space.EditorMode),
		boolToInt(space.Encrypted),
		space.Password,
		space.SyncServerID,
		space.SyncServerURL,
		space.SyncServerAccessToken,
		string(activeIDs),
		rawToNullString(space.NodeSnapshot),
		rawToNullString(space.PageSnapshot),
		schema.Millis(space.NodesLastUpdatedAt),
		schema.Millis(space.NodesLastPushedAt),
		schema.Millis(space.CreatedAt),
		schema.Millis(space.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert space %s: %w", space.ID, err)
	}
	return nil
}

// GetSpace returns the space with the given id, or an error wrapping
// schema.ErrNotFound.
func (db *DB) GetSpace(ctx context.Context, id string) (*schema.Space, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id = ?`, id)
	space, err := scanSpace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("space %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get space %s: %w", id, err)
	}
	return space, nil
}

// ListSpaces returns the spaces owned by userID ordered by creation time.
// An empty userID lists every space in the store.
func (db *DB) ListSpaces(ctx context.Context, userID string) ([]*schema.Space, error) {
	query := `SELECT ` + spaceColumns + ` FROM spaces`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []*schema.Space
	for rows.Next() {
		space, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan space: %w", err)
		}
		spaces = append(spaces, space)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spaces: %w", err)
	}
	return spaces, nil
}

// UpdateSpace applies patch to the space and bumps updated_at.
func (db *DB) UpdateSpace(ctx context.Context, id string, patch schema.SpacePatch) error {
	if patch.IsEmpty() {
		return nil
	}

	var sets []string
	var args []interface{}
	set := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return fmt.Errorf("%w: space name is required", schema.ErrInvalidArgument)
		}
		set("name", *patch.Name)
	}
	if patch.Color != nil {
		set("color", *patch.Color)
	}
	if patch.IsActive != nil {
		set("is_active", boolToInt(*patch.IsActive))
	}
	if patch.EditorMode != nil {
		set("editor_mode", string(*patch.EditorMode))
	}
	if patch.Encrypted != nil {
		set("encrypted", boolToInt(*patch.Encrypted))
	}
	if patch.Password != nil {
		set("password", *patch.Password)
	}
	if patch.SyncServerID != nil {
		set("sync_server_id", *patch.SyncServerID)
	}
	if patch.SyncServerURL != nil {
		set("sync_server_url", *patch.SyncServerURL)
	}
	if patch.SyncServerAccessToken != nil {
		set("sync_server_access_token", *patch.SyncServerAccessToken)
	}
	if patch.ActiveNodeIDs != nil {
		data, err := json.Marshal(patch.ActiveNodeIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal active node ids: %w", err)
		}
		set("active_node_ids", string(data))
	}
	if patch.NodesLastUpdatedAt != nil {
		set("nodes_last_updated_at", schema.Millis(*patch.NodesLastUpdatedAt))
	}
	if patch.NodesLastPushedAt != nil {
		set("nodes_last_pushed_at", schema.Millis(*patch.NodesLastPushedAt))
	}
	set("updated_at", schema.Millis(schema.Now()))

	args = append(args, id)
	query := `UPDATE spaces SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update space %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update space %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("space %s: %w", id, schema.ErrNotFound)
	}
	return nil
}

// DeleteSpace removes a space and, through the foreign key, its nodes.
func (db *DB) DeleteSpace(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM spaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete space %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpace(row rowScanner) (*schema.Space, error) {
	var (
		space                      schema.Space
		editorMode, activeIDs      string
		isActive, encrypted        int
		nodeSnapshot, pageSnapshot sql.NullString
		lastUpdated, lastPushed    int64
		createdAt, updatedAt       int64
	)

	err := row.Scan(
		&space.ID,
		&space.UserID,
		&space.Subdomain,
		&space.Name,
		&space.Color,
		&isActive,
		&editorMode,
		&encrypted,
		&space.Password,
		&space.SyncServerID,
		&space.SyncServerURL,
		&space.SyncServerAccessToken,
		&activeIDs,
		&nodeSnapshot,
		&pageSnapshot,
		&lastUpdated,
		&lastPushed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	space.IsActive = isActive != 0
	space.Encrypted = encrypted != 0
	space.EditorMode = schema.EditorMode(editorMode)
	space.NodeSnapshot = nullStringToRaw(nodeSnapshot)
	space.PageSnapshot = nullStringToRaw(pageSnapshot)
	space.NodesLastUpdatedAt = schema.FromMillis(lastUpdated)
	space.NodesLastPushedAt = schema.FromMillis(lastPushed)
	space.CreatedAt = schema.FromMillis(createdAt)
	space.UpdatedAt = schema.FromMillis(updatedAt)

	if activeIDs != "" {
		if err := json.Unmarshal([]byte(activeIDs), &space.ActiveNodeIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active node ids: %w", err)
		}
	}
	if len(space.ActiveNodeIDs) == 0 {
		space.ActiveNodeIDs = nil
	}

	return &space, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
