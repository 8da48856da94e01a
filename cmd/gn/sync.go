package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/syncer"
	"github.com/graphnote/graphnote/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [space-id]",
	GroupID: "sync",
	Short:   "Pull then push a space, or every space with --all",
	Long: `Synchronize local spaces with their sync servers.

A pass pulls nodes changed on the server since the space's watermark, then
pushes nodes edited locally since the last acknowledged push. Conflicts are
resolved per node: the copy with the newer updatedAt wins.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fatalf("Give a space id or --all")
		}

		c := newClient("sync")
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		start := time.Now()
		if !all {
			res, err := c.sync.Sync(ctx, args[0])
			if err != nil {
				fatal("Sync failed", err)
			}
			printResult(res)
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
			return
		}

		results, err := c.sync.SyncAll(ctx, requireUser())
		for _, res := range results {
			printResult(res)
		}
		if err != nil {
			fatal("Some spaces failed to sync", err)
		}
		fmt.Printf("%s Synced %d space(s) in %v\n", ui.RenderPass("✓"), len(results), time.Since(start).Round(time.Millisecond))
	},
}

func passCmd(use, short string, pass func(syncer.Syncer) func(context.Context, string) (*syncer.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <space-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newClient("sync")
			defer c.Close()

			ctx, cancel := signalContext()
			defer cancel()

			res, err := pass(c.sync)(ctx, args[0])
			if err != nil {
				fatal(use+" failed", err)
			}
			printResult(res)
		},
	}
}

func printResult(res *syncer.Result) {
	mark := ui.RenderMuted("·")
	if res.Changed() {
		mark = ui.RenderPass("↕")
	}
	fmt.Printf("%s %s  pulled %d (new %d, updated %d)  pushed %d (stored %d)\n",
		mark, ui.RenderAccent(res.SpaceID), res.Fetched, res.Created, res.Updated, res.Pushed, res.Accepted)
	if res.Skipped > 0 {
		fmt.Printf("   %s skipped %d node(s) at or below the watermark\n", ui.RenderWarn("⚠"), res.Skipped)
	}
}

func init() {
	syncCmd.Flags().Bool("all", false, "Sync every bound space of the user")
	syncCmd.AddCommand(
		passCmd("pull", "Fetch and apply changes from the sync server",
			func(s syncer.Syncer) func(context.Context, string) (*syncer.Result, error) { return s.Pull }),
		passCmd("push", "Upload local changes to the sync server",
			func(s syncer.Syncer) func(context.Context, string) (*syncer.Result, error) { return s.Push }),
	)
	rootCmd.AddCommand(syncCmd)
}
