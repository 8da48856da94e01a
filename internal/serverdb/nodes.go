package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphnote/graphnote/internal/schema"
)

// PullNodes returns the space's nodes updated strictly after the given time,
// oldest first.
func (q queries) PullNodes(ctx context.Context, spaceID string, after time.Time) ([]*schema.Node, error) {
	rows, err := q.query(ctx, `
		SELECT id, space_id, parent_id, type, collapsed, element, props, created_at, updated_at
		FROM sync_nodes
		WHERE space_id = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC`,
		spaceID, schema.Millis(after))
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes for space %s: %w", spaceID, err)
	}
	defer rows.Close()

	nodes := []*schema.Node{}
	for rows.Next() {
		var (
			n                    schema.Node
			typ                  string
			collapsed            int
			element, props       sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&n.ID, &n.SpaceID, &n.ParentID, &typ, &collapsed,
			&element, &props, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.Type = schema.NodeType(typ)
		n.Collapsed = collapsed != 0
		if element.Valid {
			n.Element = json.RawMessage(element.String)
		}
		if props.Valid {
			n.Props = json.RawMessage(props.String)
		}
		n.CreatedAt = schema.FromMillis(createdAt)
		n.UpdatedAt = schema.FromMillis(updatedAt)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// upsertNode stores n unless the stored copy is at least as new. It reports
// whether a row was written.
func (q queries) upsertNode(ctx context.Context, spaceID string, n *schema.Node) (bool, error) {
	result, err := q.exec(ctx, `
		INSERT INTO sync_nodes (space_id, id, parent_id, type, collapsed, element, props, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space_id, id) DO UPDATE SET
			parent_id = excluded.parent_id,
			type = excluded.type,
			collapsed = excluded.collapsed,
			element = excluded.element,
			props = excluded.props,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at > sync_nodes.updated_at`,
		spaceID,
		n.ID,
		n.ParentID,
		string(n.Type),
		boolToInt(n.Collapsed),
		nullableJSON(n.Element),
		nullableJSON(n.Props),
		schema.Millis(n.CreatedAt),
		schema.Millis(n.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to store node %s: %w", n.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to store node %s: %w", n.ID, err)
	}
	return affected > 0, nil
}

// LastUpdatedAt returns the newest updated_at stored for the space.
func (q queries) LastUpdatedAt(ctx context.Context, spaceID string) (time.Time, error) {
	var ms int64
	err := q.queryRow(ctx, `SELECT COALESCE(MAX(updated_at), 0) FROM sync_nodes WHERE space_id = ?`, spaceID).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last updated time for space %s: %w", spaceID, err)
	}
	return schema.FromMillis(ms), nil
}

// StoreNodes applies a pushed batch in one transaction using last-writer-wins
// per node. It returns how many nodes were written and the space's newest
// updatedAt afterwards.
func (db *DB) StoreNodes(ctx context.Context, spaceID string, nodes []*schema.Node) (int, time.Time, error) {
	for _, n := range nodes {
		n.SpaceID = spaceID
		n.UpdatedAt = schema.Truncate(n.UpdatedAt)
		n.CreatedAt = schema.Truncate(n.CreatedAt)
		if err := n.Validate(); err != nil {
			return 0, time.Time{}, err
		}
	}

	var (
		stored int
		last   time.Time
	)
	err := db.WithTx(ctx, TxOptions{}, func(ctx context.Context, tx *Tx) error {
		for _, n := range nodes {
			ok, err := tx.upsertNode(ctx, spaceID, n)
			if err != nil {
				return err
			}
			if ok {
				stored++
			}
		}
		var err error
		last, err = tx.LastUpdatedAt(ctx, spaceID)
		return err
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return stored, last, nil
}
