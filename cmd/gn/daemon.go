package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/config"
	"github.com/graphnote/graphnote/internal/daemon"
	"github.com/graphnote/graphnote/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run sync passes in the background of your editing session.

The daemon:
  1. Syncs every bound space on startup and every daemon.interval
  2. Pushes shortly after the local database changes
  3. Pulls a space as soon as its sync server reports a change

Failed passes are logged and retried on the next trigger.`,
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()
		c := newClient("daemon")
		defer c.Close()

		cfg := &daemon.Config{
			UserID:   userID,
			Interval: config.GetDuration("daemon.interval"),
			Debounce: config.GetDuration("daemon.debounce"),
			Logger:   c.logger,
		}
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			cfg.WatchPath = c.db.Path()
		}

		var sub daemon.Subscriber
		if notify, _ := cmd.Flags().GetBool("notify"); notify {
			sub = c.remote
		}

		d, err := daemon.New(c.sync, c.db, sub, cfg)
		if err != nil {
			fatal("Error creating daemon", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   User: %s\n", userID)
		fmt.Printf("   Database: %s\n", c.db.Path())
		fmt.Printf("   Interval: %v\n", cfg.Interval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signalContext()
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Daemon stopped after %d pass(es)\n", ui.RenderPass("✓"), d.Passes())
	},
}

func init() {
	daemonCmd.Flags().Bool("watch", true, "Push after local database changes")
	daemonCmd.Flags().Bool("notify", true, "Subscribe to server change notifications")
	rootCmd.AddCommand(daemonCmd)
}
