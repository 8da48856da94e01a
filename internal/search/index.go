// Package search is an in-memory filter index over a space's nodes.
//
// The index is a read-side convenience. It is built from the local store on
// demand, never updates itself and may be stale until the next Rebuild.
// Each Index is owned by its caller; there is no shared instance.
package search

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/graphnote/graphnote/internal/schema"
)

// Op is a filter operator.
type Op int

const (
	// OpEqual matches indexed text exactly.
	OpEqual Op = iota
	// OpContains matches a case-insensitive regular expression, or a plain
	// substring when the value is not a valid expression.
	OpContains
)

// ParseOp accepts "eq", "=", "contains" and "~".
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "=", "equal", "":
		return OpEqual, nil
	case "contains", "~":
		return OpContains, nil
	default:
		return 0, fmt.Errorf("%w: unknown search operator %q", schema.ErrInvalidArgument, s)
	}
}

// Filter selects nodes whose Field matches Value.
type Filter struct {
	Field string
	Op    Op
	Value string
}

// Result holds matched nodes in filter order. RowKeys[i] is the row id of
// Nodes[i] for cells and empty otherwise.
type Result struct {
	Nodes   []*schema.Node
	RowKeys []string
}

type entry struct {
	id   string
	text string
}

type spaceIndex struct {
	nodes  map[string]*schema.Node
	fields map[string][]entry
}

// Index holds per-space indexes. It is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	spaces map[string]*spaceIndex
}

// New returns an empty index.
func New() *Index {
	return &Index{spaces: make(map[string]*spaceIndex)}
}

// Build indexes the space unless it is already indexed.
func (ix *Index) Build(spaceID string, nodes []*schema.Node) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.spaces[spaceID]; ok {
		return
	}
	ix.spaces[spaceID] = buildSpace(nodes)
}

// Rebuild replaces the space's index with one built from nodes.
func (ix *Index) Rebuild(spaceID string, nodes []*schema.Node) {
	built := buildSpace(nodes)
	ix.mu.Lock()
	ix.spaces[spaceID] = built
	ix.mu.Unlock()
}

// Drop forgets the space.
func (ix *Index) Drop(spaceID string) {
	ix.mu.Lock()
	delete(ix.spaces, spaceID)
	ix.mu.Unlock()
}

// Has reports whether the space is indexed.
func (ix *Index) Has(spaceID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.spaces[spaceID]
	return ok
}

func buildSpace(nodes []*schema.Node) *spaceIndex {
	si := &spaceIndex{
		nodes:  make(map[string]*schema.Node, len(nodes)),
		fields: make(map[string][]entry),
	}
	for _, n := range nodes {
		si.nodes[n.ID] = n
	}
	for _, n := range nodes {
		for _, f := range Fields(n.Type) {
			name, text, ok := f.resolve(n, si.nodes)
			if !ok {
				continue
			}
			si.fields[name] = append(si.fields[name], entry{id: n.ID, text: text})
		}
	}
	return si
}

// Search applies each filter and concatenates the matches. A node matched by
// more than one filter is returned once. Unknown spaces yield an empty result.
func (ix *Index) Search(spaceID string, filters []Filter) Result {
	ix.mu.RLock()
	si, ok := ix.spaces[spaceID]
	ix.mu.RUnlock()

	res := Result{Nodes: []*schema.Node{}, RowKeys: []string{}}
	if !ok {
		return res
	}

	seen := make(map[string]bool)
	for _, f := range filters {
		match := matcher(f)
		for _, e := range si.fields[f.Field] {
			if seen[e.id] || !match(e.text) {
				continue
			}
			seen[e.id] = true
			n := si.nodes[e.id]
			res.Nodes = append(res.Nodes, n)
			res.RowKeys = append(res.RowKeys, rowKey(n))
		}
	}
	return res
}

func matcher(f Filter) func(string) bool {
	switch f.Op {
	case OpContains:
		re, err := regexp.Compile("(?i)" + f.Value)
		if err != nil {
			needle := strings.ToLower(f.Value)
			return func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }
		}
		return re.MatchString
	default:
		return func(s string) bool { return s == f.Value }
	}
}

func rowKey(n *schema.Node) string {
	if props, ok := n.CellProps(); ok {
		return props.RowID
	}
	return ""
}
