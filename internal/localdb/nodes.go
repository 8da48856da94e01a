package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/graphnote/graphnote/internal/schema"
)

const nodeColumns = `id, space_id, parent_id, type, collapsed, element, props, created_at, updated_at`

// CreateNode inserts a node. It fails if a node with the same id exists.
func (db *DB) CreateNode(ctx context.Context, node *schema.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = node.UpdatedAt
	}

	query := `INSERT INTO nodes (` + nodeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query,
		node.ID,
		node.SpaceID,
		node.ParentID,
		string(node.Type),
		boolToInt(node.Collapsed),
		rawToNullString(node.Element),
		rawToNullString(node.Props),
		schema.Millis(node.CreatedAt),
		schema.Millis(node.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert node %s: %w", node.ID, err)
	}
	return nil
}

// UpdateNode overwrites every mutable column of the node stored under id
// with the values in node. The stored id and space id are kept.
func (db *DB) UpdateNode(ctx context.Context, id string, node *schema.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE nodes SET
			parent_id = ?,
			type = ?,
			collapsed = ?,
			element = ?,
			props = ?,
			created_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	// Keyed by the stored id, not node.ID
	result, err := db.conn.ExecContext(ctx, query,
		node.ParentID,
		string(node.Type),
		boolToInt(node.Collapsed),
		rawToNullString(node.Element),
		rawToNullString(node.Props),
		schema.Millis(node.CreatedAt),
		schema.Millis(node.UpdatedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", id, err)
	}
	// Zero rows means the node was never stored
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, schema.ErrNotFound)
	}
	return nil
}

// PutNode records a local edit: it stamps UpdatedAt with the current time and
// inserts or replaces the node.
func (db *DB) PutNode(ctx context.Context, node *schema.Node) error {
	// Stamp the edit
	node.UpdatedAt = schema.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = node.UpdatedAt
	}
	if err := node.Validate(); err != nil {
		return err
	}

	// Upsert; created_at survives an overwrite
	query := `
		INSERT INTO nodes (` + nodeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			type = excluded.type,
			collapsed = excluded.collapsed,
			element = excluded.element,
			props = excluded.props,
			updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		node.ID,
		node.SpaceID,
		node.ParentID,
		string(node.Type),
		boolToInt(node.Collapsed),
		rawToNullString(node.Element),
		rawToNullString(node.Props),
		schema.Millis(node.CreatedAt),
		schema.Millis(node.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode returns the node with the given id, or an error wrapping
// schema.ErrNotFound.
func (db *DB) GetNode(ctx context.Context, id string) (*schema.Node, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, schema.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}
	return node, nil
}

// ListNodesBySpace returns every node of a space ordered by updated_at.
func (db *DB) ListNodesBySpace(ctx context.Context, spaceID string) ([]*schema.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE space_id = ? ORDER BY updated_at ASC, id ASC`
	return db.queryNodes(ctx, query, spaceID)
}

// ListNodesUpdatedAfter returns the nodes of a space whose updated_at is
// strictly after the given time, oldest first.
func (db *DB) ListNodesUpdatedAfter(ctx context.Context, spaceID string, after time.Time) ([]*schema.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE space_id = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC`
	return db.queryNodes(ctx, query, spaceID, schema.Millis(after))
}

// GetLastUpdatedAt returns the newest updated_at of a space's nodes, or the
// zero time if the space has none.
func (db *DB) GetLastUpdatedAt(ctx context.Context, spaceID string) (time.Time, error) {
	var ms int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(updated_at), 0) FROM nodes WHERE space_id = ?`, spaceID,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last updated time for space %s: %w", spaceID, err)
	}
	return schema.FromMillis(ms), nil
}

// CountNodes returns the number of nodes in a space.
func (db *DB) CountNodes(spaceID string) (int, error) {
	return db.CountNodesContext(context.Background(), spaceID)
}

// CountNodesContext is CountNodes with a context.
func (db *DB) CountNodesContext(ctx context.Context, spaceID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE space_id = ?`, spaceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

func (db *DB) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*schema.Node, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]*schema.Node, error) {
	var nodes []*schema.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

func scanNode(row rowScanner) (*schema.Node, error) {
	var (
		node                 schema.Node
		nodeType             string
		collapsed            int
		element, props       sql.NullString
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&node.ID,
		&node.SpaceID,
		&node.ParentID,
		&nodeType,
		&collapsed,
		&element,
		&props,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.Type = schema.NodeType(nodeType)
	node.Collapsed = collapsed != 0
	node.Element = nullStringToRaw(element)
	node.Props = nullStringToRaw(props)
	node.CreatedAt = schema.FromMillis(createdAt)
	node.UpdatedAt = schema.FromMillis(updatedAt)

	return &node, nil
}
