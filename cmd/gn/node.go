package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/ui"
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	GroupID: "notes",
	Short:   "Read and edit nodes of a local space",
}

var nodeListCmd = &cobra.Command{
	Use:   "list <space-id>",
	Short: "List a space's nodes",
	Long: `List the nodes of a space from the local database.

--since accepts a timestamp (RFC 3339), a duration ("90m") or a phrase such
as "2 hours ago" or "yesterday".`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")

		db := openLocal()
		defer db.Close()
		ctx := context.Background()

		var (
			nodes []*schema.Node
			err   error
		)
		if since == "" {
			nodes, err = db.ListNodesBySpace(ctx, args[0])
		} else {
			after, perr := parseSince(since, time.Now())
			if perr != nil {
				fatal("Invalid --since", perr)
			}
			nodes, err = db.ListNodesUpdatedAfter(ctx, args[0], after)
		}
		if err != nil {
			fatal("Error listing nodes", err)
		}

		if len(nodes) == 0 {
			fmt.Printf("%s No nodes\n", ui.RenderMuted("·"))
			return
		}
		for _, n := range nodes {
			printNode(n)
		}
	},
}

func printNode(n *schema.Node) {
	text := n.PlainText()
	if len(text) > 72 {
		text = text[:69] + "..."
	}
	fmt.Printf("%s  %-8s %s  %s\n",
		ui.RenderAccent(n.ID), n.Type, ui.RenderMuted(n.UpdatedAt.Local().Format("2006-01-02 15:04:05")), text)
}

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince resolves an absolute or relative point in time before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", schema.ErrInvalidArgument)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", schema.ErrInvalidArgument, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: cannot understand %q", schema.ErrInvalidArgument, s)
	}
	return r.Time, nil
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <space-id> <text>",
	Short: "Add or replace a text node",
	Long: `Store a node edit locally. The next sync pass pushes it.

With --id the node replaces the existing node with that id.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		parent, _ := cmd.Flags().GetString("parent")
		typ, _ := cmd.Flags().GetString("type")
		if id == "" {
			id = uuid.NewString()
		}

		db := openLocal()
		defer db.Close()
		ctx := context.Background()

		if _, err := db.GetSpace(ctx, args[0]); err != nil {
			fatal("Error loading space", err)
		}

		element, err := json.Marshal([]map[string]interface{}{
			{"type": "p", "children": []map[string]string{{"text": args[1]}}},
		})
		if err != nil {
			fatal("Error encoding node", err)
		}

		node := &schema.Node{
			ID:       id,
			SpaceID:  args[0],
			ParentID: parent,
			Type:     schema.NodeType(strings.ToUpper(typ)),
			Element:  element,
			Props:    json.RawMessage(`{}`),
		}
		if existing, err := db.GetNode(ctx, id); err == nil {
			node.CreatedAt = existing.CreatedAt
		}
		if err := db.PutNode(ctx, node); err != nil {
			fatal("Error saving node", err)
		}
		fmt.Printf("%s Saved node %s\n", ui.RenderPass("✓"), node.ID)
	},
}

func init() {
	nodeListCmd.Flags().String("since", "", `Only nodes updated after this time (e.g. "2 hours ago")`)
	nodeAddCmd.Flags().String("id", "", "Node id (default: new uuid)")
	nodeAddCmd.Flags().String("parent", "", "Parent node id")
	nodeAddCmd.Flags().String("type", string(schema.NodeTypeCommon), "Node type")

	nodeCmd.AddCommand(nodeListCmd, nodeAddCmd)
	rootCmd.AddCommand(nodeCmd)
}
