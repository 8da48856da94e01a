package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/config"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show configuration, local spaces and sync server health",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient("status")
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Printf("\n%s graphnote status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Data directory: %s\n", config.Home())
		fmt.Printf("Config file: %s\n", orDash(config.ConfigFileUsed()))
		fmt.Printf("Database: %s\n", c.db.Path())
		if info, err := os.Stat(c.db.Path()); err == nil {
			fmt.Printf("Size: %s\n", formatSize(info.Size()))
		}
		userID := config.GetString("user.id")
		fmt.Printf("User: %s\n", orDash(userID))
		fmt.Printf("API: %s\n\n", config.GetString("api.url"))

		if userID == "" {
			return
		}
		spaces, err := c.db.ListSpaces(ctx, userID)
		if err != nil {
			fatal("Error listing spaces", err)
		}
		if len(spaces) == 0 {
			fmt.Printf("%s No local spaces\n\n", ui.RenderWarn("⚠"))
			return
		}

		checked := make(map[string]error)
		for _, sp := range spaces {
			printSpace(sp)
			count, err := c.db.CountNodesContext(ctx, sp.ID)
			if err == nil {
				fmt.Printf("   %d node(s)\n", count)
			}
			if sp.SyncServerURL == "" {
				continue
			}
			herr, ok := checked[sp.SyncServerURL]
			if !ok {
				_, herr = c.remote.CheckServer(ctx, sp.SyncServerURL)
				checked[sp.SyncServerURL] = herr
			}
			if herr != nil {
				fmt.Printf("   %s %s: %s\n", ui.RenderFail("✗"), sp.SyncServerURL, remote.Message(herr))
			} else {
				fmt.Printf("   %s %s\n", ui.RenderPass("✓"), sp.SyncServerURL)
			}
		}
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and optionally check a sync server",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gn %s (protocol %s)\n", Version, remote.ProtocolVersion)

		syncURL, _ := cmd.Flags().GetString("check")
		if syncURL == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		h, err := remote.NewClient(remote.WithUserAgent("gn/"+Version)).CheckServer(ctx, syncURL)
		if err != nil {
			fatal("Server check failed", err)
		}
		fmt.Printf("%s %s speaks protocol %s\n", ui.RenderPass("✓"), syncURL, h.Version)
	},
}

func init() {
	versionCmd.Flags().String("check", "", "Sync server url to check for protocol compatibility")
	rootCmd.AddCommand(statusCmd, versionCmd)
}
