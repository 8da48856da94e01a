package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/search"
	"github.com/graphnote/graphnote/internal/ui"
)

var searchCmd = &cobra.Command{
	Use:     "search <space-id> <filter>...",
	GroupID: "notes",
	Short:   "Filter a space's nodes by field",
	Long: `Search the local nodes of a space.

Each filter is field=value (exact match) or field~pattern (case-insensitive
regular expression, or substring when the pattern is not valid). Table cells
are searchable by their column id. Matches of all filters are listed once.

Examples:
  gn search work text~meeting
  gn search work status=Done type=CELL`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		filters := make([]search.Filter, 0, len(args)-1)
		for _, arg := range args[1:] {
			f, err := parseFilter(arg)
			if err != nil {
				fatal("Invalid filter", err)
			}
			filters = append(filters, f)
		}

		if fields, _ := cmd.Flags().GetBool("fields"); fields {
			for _, f := range search.Fields(schema.NodeTypeCell) {
				name := f.Name
				if name == "" {
					name = "<columnId>"
				}
				fmt.Printf("%-12s %s\n", name, ui.RenderMuted(f.Kind.String()))
			}
		}

		db := openLocal()
		defer db.Close()

		nodes, err := db.ListNodesBySpace(context.Background(), args[0])
		if err != nil {
			fatal("Error loading nodes", err)
		}

		ix := search.New()
		ix.Build(args[0], nodes)
		res := ix.Search(args[0], filters)

		if len(res.Nodes) == 0 {
			fmt.Printf("%s No matches\n", ui.RenderMuted("·"))
			return
		}
		for i, n := range res.Nodes {
			printNode(n)
			if row := res.RowKeys[i]; row != "" {
				fmt.Printf("   row %s\n", row)
			}
		}
		fmt.Printf("\n%d match(es)\n", len(res.Nodes))
	},
}

// parseFilter splits field=value or field~pattern at the first operator.
func parseFilter(arg string) (search.Filter, error) {
	i := strings.IndexAny(arg, "=~")
	if i <= 0 {
		return search.Filter{}, fmt.Errorf("%w: %q is not field=value or field~pattern", schema.ErrInvalidArgument, arg)
	}
	op, err := search.ParseOp(arg[i : i+1])
	if err != nil {
		return search.Filter{}, err
	}
	return search.Filter{Field: arg[:i], Op: op, Value: arg[i+1:]}, nil
}

func init() {
	searchCmd.Flags().Bool("fields", false, "Print the searchable fields first")
	rootCmd.AddCommand(searchCmd)
}
