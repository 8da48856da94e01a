package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/config"
	"github.com/graphnote/graphnote/internal/loadtest"
	"github.com/graphnote/graphnote/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Sync many simulated devices against a backend",
	Long: `Create a throwaway space and let simulated devices edit and sync it
concurrently, then check that a fresh device receives every edit.

The backend's rate limit applies to all devices at once; raise
server.rate_limit on the backend before large runs.

Examples:
  gn loadtest --devices 20 --edits 50
  gn loadtest --api http://localhost:8080/api --json`,
	GroupID: "server",
	Run:     runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("devices", 10, "Number of concurrent devices")
	loadtestCmd.Flags().Int("edits", 20, "Edits (and sync passes) per device")
	loadtestCmd.Flags().String("dir", "", "Keep device databases in this directory")
	loadtestCmd.Flags().Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	devices, _ := cmd.Flags().GetInt("devices")
	edits, _ := cmd.Flags().GetInt("edits")
	dir, _ := cmd.Flags().GetString("dir")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if devices <= 0 || edits <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --devices and --edits must be positive\n")
		os.Exit(1)
	}

	logger, closer := newLogger("loadtest")
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	userID := config.GetString("user.id")
	if userID == "" {
		userID = "loadtest"
	}
	if !jsonOutput {
		fmt.Printf("%s Running %d device(s) x %d edit(s) against %s\n",
			ui.RenderAccent("🔄"), devices, edits, config.GetString("api.url"))
	}

	report, err := loadtest.Run(ctx, loadtest.Config{
		APIURL:         config.GetString("api.url"),
		UserID:         userID,
		Devices:        devices,
		EditsPerDevice: edits,
		Dir:            dir,
		Logger:         logger,
	})
	if err != nil {
		fatal("Load test failed", err)
	}

	if jsonOutput {
		out := struct {
			SpaceID   string   `json:"spaceId"`
			Edits     int      `json:"edits"`
			Observed  int      `json:"observed"`
			Missing   []string `json:"missing"`
			Passes    int      `json:"passes"`
			Errors    int      `json:"errors"`
			MeanMs    float64  `json:"meanMs"`
			P95Ms     float64  `json:"p95Ms"`
			P99Ms     float64  `json:"p99Ms"`
			Converged bool     `json:"converged"`
		}{
			SpaceID:   report.SpaceID,
			Edits:     report.Edits,
			Observed:  report.Observed,
			Missing:   report.Missing,
			Passes:    report.Sync.Passes,
			Errors:    report.Sync.Errors,
			MeanMs:    float64(report.Sync.Mean.Microseconds()) / 1000,
			P95Ms:     float64(report.Sync.P95.Microseconds()) / 1000,
			P99Ms:     float64(report.Sync.P99.Microseconds()) / 1000,
			Converged: report.Converged(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatal("Error encoding report", err)
		}
	} else {
		fmt.Println()
		report.Sync.PrintStats()
		fmt.Printf("\nSpace: %s\n", report.SpaceID)
		fmt.Printf("Edits observed by a fresh device: %d/%d\n", report.Observed, report.Edits)
	}

	if !report.Converged() {
		if !jsonOutput {
			fmt.Fprintf(os.Stderr, "%s %d edit(s) never reached the server\n", ui.RenderFail("✗"), len(report.Missing))
		}
		os.Exit(1)
	}
	if !jsonOutput {
		fmt.Printf("%s All edits converged\n", ui.RenderPass("✓"))
	}
}
