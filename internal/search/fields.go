package search

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/graphnote/graphnote/internal/schema"
)

// FieldKind says how a field's value becomes searchable text.
type FieldKind int

const (
	// FieldText values are indexed as they are.
	FieldText FieldKind = iota
	// FieldBool values are indexed as "true" or "false".
	FieldBool
	// FieldStructured values are JSON, indexed in compact form.
	FieldStructured
	// FieldReference is a cell value indexed under its column id. A cell
	// that refers to another node is indexed with that node's text.
	FieldReference
)

func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "text"
	case FieldBool:
		return "bool"
	case FieldStructured:
		return "structured"
	case FieldReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Field describes one indexed property of a node.
type Field struct {
	Name string
	Kind FieldKind

	text  func(*schema.Node) string
	flag  func(*schema.Node) bool
	value func(*schema.Node) json.RawMessage
}

var baseFields = []Field{
	{Name: "id", Kind: FieldText, text: func(n *schema.Node) string { return n.ID }},
	{Name: "parentId", Kind: FieldText, text: func(n *schema.Node) string { return n.ParentID }},
	{Name: "type", Kind: FieldText, text: func(n *schema.Node) string { return string(n.Type) }},
	{Name: "text", Kind: FieldText, text: (*schema.Node).PlainText},
	{Name: "collapsed", Kind: FieldBool, flag: func(n *schema.Node) bool { return n.Collapsed }},
	{Name: "element", Kind: FieldStructured, value: func(n *schema.Node) json.RawMessage { return n.Element }},
	{Name: "props", Kind: FieldStructured, value: func(n *schema.Node) json.RawMessage { return n.Props }},
}

// cellField takes its name from the cell's column id.
var cellField = Field{Kind: FieldReference}

// Fields returns the descriptors indexed for nodes of type t.
func Fields(t schema.NodeType) []Field {
	if t == schema.NodeTypeCell {
		out := make([]Field, 0, len(baseFields)+1)
		out = append(out, baseFields...)
		return append(out, cellField)
	}
	return baseFields
}

// resolve returns the field name and normalized text for n. ok is false when
// the field does not apply to this node.
func (f Field) resolve(n *schema.Node, byID map[string]*schema.Node) (name, text string, ok bool) {
	switch f.Kind {
	case FieldText:
		return f.Name, strings.TrimSpace(f.text(n)), true
	case FieldBool:
		return f.Name, strconv.FormatBool(f.flag(n)), true
	case FieldStructured:
		raw := f.value(n)
		if len(raw) == 0 {
			return f.Name, "", true
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return f.Name, strings.TrimSpace(string(raw)), true
		}
		return f.Name, buf.String(), true
	case FieldReference:
		props, isCell := n.CellProps()
		if !isCell {
			return "", "", false
		}
		if props.Ref != "" {
			if target, found := byID[props.Ref]; found {
				return props.ColumnID, strings.TrimSpace(target.PlainText()), true
			}
			return props.ColumnID, "", true
		}
		return props.ColumnID, strings.TrimSpace(props.DataText()), true
	}
	return "", "", false
}
