// Package loadtest drives a backend with many devices syncing one space.
//
// Each simulated device has its own local database, edits its own nodes and
// runs a sync pass after every edit. When all devices are done, a fresh
// observer device pulls the space from scratch; every node written by any
// device must reach it.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/graphnote/graphnote/internal/localdb"
	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/syncer"
)

// Config describes one load test run.
type Config struct {
	// APIURL is the provisioning API, e.g. "http://localhost:8080/api".
	APIURL string

	// UserID owns the space created for the run (default: "loadtest").
	UserID string

	Devices        int
	EditsPerDevice int

	// Dir holds the device databases. Empty means a temporary directory
	// that is removed afterwards.
	Dir string

	// Options are passed to every remote client.
	Options []remote.Option

	Logger *log.Logger
}

// LatencyStats captures sync pass latencies.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Passes    int
	Errors    int
	Durations []time.Duration
}

// Report is the outcome of Run.
type Report struct {
	SpaceID string
	Sync    *LatencyStats

	// Edits is the number of nodes written across all devices; Observed is
	// how many of them the observer device received.
	Edits    int
	Observed int
	Missing  []string
}

// Converged reports whether every edit reached the observer.
func (r *Report) Converged() bool {
	return len(r.Missing) == 0 && r.Observed == r.Edits
}

type device struct {
	id   int
	db   *localdb.DB
	sync syncer.Syncer
}

// Run creates a space, runs the devices concurrently and verifies the
// result with a fresh observer device.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("%w: api url is required", schema.ErrInvalidArgument)
	}
	if cfg.Devices <= 0 || cfg.EditsPerDevice <= 0 {
		return nil, fmt.Errorf("%w: devices and edits per device must be positive", schema.ErrInvalidArgument)
	}
	if cfg.UserID == "" {
		cfg.UserID = "loadtest"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Dir == "" {
		dir, err := os.MkdirTemp("", "gn-loadtest-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		cfg.Dir = dir
	}

	opts := append([]remote.Option{remote.WithLogger(cfg.Logger)}, cfg.Options...)
	api := remote.NewAPIClient(cfg.APIURL, opts...)

	spaceID := uuid.NewString()
	data, _ := json.Marshal(map[string]interface{}{"id": spaceID, "name": "loadtest " + spaceID[:8]})
	created, err := api.CreateSpace(ctx, remote.CreateSpaceRequest{UserID: cfg.UserID, SpaceData: string(data)})
	if err != nil {
		return nil, fmt.Errorf("failed to create load test space: %w", err)
	}
	cfg.Logger.Info("created space", "space", spaceID, "server", created.Space.SyncServerID)

	devices := make([]*device, 0, cfg.Devices)
	defer func() {
		for _, d := range devices {
			_ = d.db.Close()
		}
	}()
	for i := 0; i < cfg.Devices; i++ {
		d, err := newDevice(ctx, cfg, api, opts, i, spaceID)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	stats, edits := runDevices(ctx, devices, spaceID, cfg.EditsPerDevice, cfg.Logger)

	// Flush: every device pushes whatever the concurrent phase left behind.
	for _, d := range devices {
		if _, err := d.sync.Push(ctx, spaceID); err != nil {
			stats.Errors++
			cfg.Logger.Warn("final push failed", "device", d.id, "err", err)
		}
	}

	observer, err := newDevice(ctx, cfg, api, opts, -1, spaceID)
	if err != nil {
		return nil, err
	}
	devices = append(devices, observer)
	if _, err := observer.sync.Pull(ctx, spaceID); err != nil {
		return nil, fmt.Errorf("observer pull failed: %w", err)
	}
	nodes, err := observer.db.ListNodesBySpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = true
	}
	report := &Report{SpaceID: spaceID, Sync: stats, Edits: len(edits)}
	for _, id := range edits {
		if seen[id] {
			report.Observed++
		} else {
			report.Missing = append(report.Missing, id)
		}
	}
	sort.Strings(report.Missing)
	return report, nil
}

func newDevice(ctx context.Context, cfg Config, api *remote.APIClient, opts []remote.Option, i int, spaceID string) (*device, error) {
	name := fmt.Sprintf("device-%03d.db", i)
	if i < 0 {
		name = "observer.db"
	}
	db, err := localdb.Open(filepath.Join(cfg.Dir, name))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	grant, err := api.IssueAccessToken(ctx, cfg.UserID, spaceID)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to issue token for device %d: %w", i, err)
	}
	space := &schema.Space{
		ID:                    spaceID,
		UserID:                cfg.UserID,
		Name:                  "loadtest",
		SyncServerID:          grant.SyncServerID,
		SyncServerURL:         grant.SyncServerURL,
		SyncServerAccessToken: grant.SyncServerAccessToken,
	}
	if err := db.CreateSpace(ctx, space); err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := syncer.New(syncer.Config{
		Store:    db,
		Endpoint: remote.NewClient(opts...),
		Logger:   cfg.Logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &device{id: i, db: db, sync: s}, nil
}

// runDevices lets every device edit and sync concurrently. It returns pass
// latencies and the ids of all nodes written.
func runDevices(ctx context.Context, devices []*device, spaceID string, edits int, logger *log.Logger) (*LatencyStats, []string) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		written   []string
		errCount  int
	)

	for _, d := range devices {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()

			local := make([]time.Duration, 0, edits)
			ids := make([]string, 0, edits)
			failures := 0
			for j := 0; j < edits; j++ {
				if ctx.Err() != nil {
					break
				}
				id := fmt.Sprintf("d%03d-n%05d", d.id, j)
				node := &schema.Node{
					ID:      id,
					SpaceID: spaceID,
					Type:    schema.NodeTypeCommon,
					Element: json.RawMessage(fmt.Sprintf(`{"text":"edit %d from device %d"}`, j, d.id)),
				}
				if err := d.db.PutNode(ctx, node); err != nil {
					failures++
					logger.Warn("local edit failed", "device", d.id, "err", err)
					continue
				}
				ids = append(ids, id)

				start := time.Now()
				_, err := d.sync.Sync(ctx, spaceID)
				local = append(local, time.Since(start))
				if err != nil {
					failures++
					logger.Warn("sync pass failed", "device", d.id, "err", err)
				}
			}

			mu.Lock()
			durations = append(durations, local...)
			written = append(written, ids...)
			errCount += failures
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	sort.Strings(written)
	return stats, written
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Passes:    len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Sync pass latency:\n")
	fmt.Printf("  Passes:        %d\n", s.Passes)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}
