package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NodeType classifies a node in the document graph.
type NodeType string

const (
	NodeTypeRoot     NodeType = "ROOT"
	NodeTypeDaily    NodeType = "DAILY"
	NodeTypeCommon   NodeType = "COMMON"
	NodeTypeDatabase NodeType = "DATABASE"
	NodeTypeColumn   NodeType = "COLUMN"
	NodeTypeRow      NodeType = "ROW"
	NodeTypeView     NodeType = "VIEW"
	NodeTypeCell     NodeType = "CELL"
)

// Node is one record of the document graph. Element holds the editor content
// and Props holds arbitrary per-type properties; both are opaque JSON to the
// sync engine. UpdatedAt is the only ordering signal between replicas.
type Node struct {
	ID        string          `json:"id"`
	SpaceID   string          `json:"spaceId"`
	ParentID  string          `json:"parentId,omitempty"`
	Type      NodeType        `json:"type"`
	Collapsed bool            `json:"collapsed"`
	Element   json.RawMessage `json:"element"`
	Props     json.RawMessage `json:"props"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Validate checks that the node can be stored.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalidArgument)
	}
	if n.SpaceID == "" {
		return fmt.Errorf("%w: node %s has no space id", ErrInvalidArgument, n.ID)
	}
	if n.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: node %s has no updatedAt", ErrInvalidArgument, n.ID)
	}
	if len(n.Element) > 0 && !json.Valid(n.Element) {
		return fmt.Errorf("%w: node %s element is not valid JSON", ErrInvalidArgument, n.ID)
	}
	if len(n.Props) > 0 && !json.Valid(n.Props) {
		return fmt.Errorf("%w: node %s props is not valid JSON", ErrInvalidArgument, n.ID)
	}
	return nil
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	out := *n
	out.Element = append(json.RawMessage(nil), n.Element...)
	out.Props = append(json.RawMessage(nil), n.Props...)
	return &out
}

// CellProps are the props of a CELL node.
type CellProps struct {
	ColumnID string          `json:"columnId"`
	RowID    string          `json:"rowId"`
	Ref      string          `json:"ref,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// DataText returns the cell data as display text. JSON strings are unquoted,
// other values are returned as their JSON encoding.
func (c CellProps) DataText() string {
	if len(c.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Data, &s); err == nil {
		return s
	}
	return string(c.Data)
}

// CellProps decodes the props of a CELL node. ok is false for other node
// types or when props carry no column id.
func (n *Node) CellProps() (CellProps, bool) {
	if n.Type != NodeTypeCell || len(n.Props) == 0 {
		return CellProps{}, false
	}
	var p CellProps
	if err := json.Unmarshal(n.Props, &p); err != nil || p.ColumnID == "" {
		return CellProps{}, false
	}
	return p, true
}

// PlainText concatenates every "text" leaf of the element tree.
func (n *Node) PlainText() string {
	if len(n.Element) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(n.Element, &v); err != nil {
		return ""
	}
	var b strings.Builder
	collectText(v, &b)
	return b.String()
}

func collectText(v any, b *strings.Builder) {
	switch t := v.(type) {
	case []any:
		for _, child := range t {
			collectText(child, b)
		}
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			b.WriteString(s)
		}
		if children, ok := t["children"]; ok {
			collectText(children, b)
		}
	}
}
