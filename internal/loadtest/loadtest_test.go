package loadtest

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/provision"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/server"
	"github.com/graphnote/graphnote/internal/serverdb"
)

// setupBackend starts a backend with one official sync server and no rate
// limit.
func setupBackend(t *testing.T) string {
	t.Helper()
	db, err := serverdb.Open(serverdb.DialectSQLite, filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("failed to open server db: %v", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	svc, err := provision.NewService(db, &provision.Config{MaxWait: time.Second, Timeout: 10 * time.Second, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	srv, err := server.New(db, svc, &server.Config{PingInterval: time.Hour, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
		db.Close()
	})

	err = svc.RegisterServer(context.Background(), &schema.SyncServer{
		ID:      "official",
		Name:    "official",
		Type:    schema.SyncServerOfficial,
		URL:     ts.URL + "/sync",
		Token:   "secret",
		Running: true,
	})
	if err != nil {
		t.Fatalf("failed to register sync server: %v", err)
	}
	return ts.URL + "/api"
}

func TestRun_Converges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	apiURL := setupBackend(t)

	report, err := Run(context.Background(), Config{
		APIURL:         apiURL,
		Devices:        4,
		EditsPerDevice: 5,
		Dir:            t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if report.Sync.Errors != 0 {
		t.Errorf("Sync errors = %d, want 0", report.Sync.Errors)
	}
	if report.Sync.Passes != 20 {
		t.Errorf("Passes = %d, want 20", report.Sync.Passes)
	}
	if report.Edits != 20 {
		t.Errorf("Edits = %d, want 20", report.Edits)
	}
	if !report.Converged() {
		t.Errorf("observer is missing %d node(s): %v", len(report.Missing), report.Missing)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no api", Config{Devices: 1, EditsPerDevice: 1}},
		{"no devices", Config{APIURL: "http://127.0.0.1:1/api", EditsPerDevice: 1}},
		{"no edits", Config{APIURL: "http://127.0.0.1:1/api", Devices: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.cfg); !errors.Is(err, schema.ErrInvalidArgument) {
				t.Errorf("Run() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestRun_NoSyncServer(t *testing.T) {
	db, err := serverdb.Open(serverdb.DialectSQLite, filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc, err := provision.NewService(db, &provision.Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(db, svc, &server.Config{PingInterval: time.Hour, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		_ = srv.Stop()
		ts.Close()
	}()

	_, err = Run(context.Background(), Config{APIURL: ts.URL + "/api", Devices: 1, EditsPerDevice: 1, Dir: t.TempDir()})
	if !errors.Is(err, schema.ErrPreconditionFailed) {
		t.Errorf("Run() error = %v, want ErrPreconditionFailed", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond || stats.P95 != 96*time.Millisecond {
		t.Errorf("P50/P95 = %v/%v", stats.P50, stats.P95)
	}
	if stats.Passes != 100 {
		t.Errorf("Passes = %d", stats.Passes)
	}
	if empty := computeLatencyStats(nil); empty.Passes != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
