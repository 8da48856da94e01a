package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/graphnote/graphnote/internal/config"
	"github.com/graphnote/graphnote/internal/provision"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/server"
	"github.com/graphnote/graphnote/internal/serverdb"
	"github.com/graphnote/graphnote/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the provisioning API and a sync server",
	Long: `Serve the provisioning API under /api and a sync endpoint under /sync.

Sync servers that spaces can be bound to are registered from a seed file:

  # servers.toml
  [[servers]]
  id = "official-1"
  name = "Official"
  type = "official"
  url = "https://sync.example.com/sync"
  token = "signing secret"
  running = true

YAML seed files use the same keys under "servers:".

Example usage:
  gn serve --seed servers.toml
  gn serve --addr :9000 --driver postgres --dsn "postgres://gn@localhost/gn?sslmode=disable"`,
	Run: func(cmd *cobra.Command, args []string) {
		logger, closer := newLogger("server")
		defer closer.Close()

		dialect, err := serverdb.ParseDialect(config.GetString("server.db.driver"))
		if err != nil {
			fatal("Invalid database driver", err)
		}
		db, err := serverdb.Open(dialect, config.GetString("server.db.dsn"))
		if err != nil {
			fatal("Error opening server database", err)
		}
		defer db.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := db.InitSchema(ctx); err != nil {
			fatal("Error initializing server schema", err)
		}

		pcfg := provision.DefaultConfig()
		pcfg.Logger = logger
		svc, err := provision.NewService(db, pcfg)
		if err != nil {
			fatal("Error creating provisioning service", err)
		}

		if seed, _ := cmd.Flags().GetString("seed"); seed != "" {
			servers, err := loadSeed(seed)
			if err != nil {
				fatal("Error reading seed file", err)
			}
			for _, srv := range servers {
				if err := svc.RegisterServer(ctx, srv); err != nil {
					fatal("Error registering sync server "+srv.ID, err)
				}
			}
			fmt.Printf("%s Registered %d sync server(s)\n", ui.RenderPass("✓"), len(servers))
		}

		scfg := server.DefaultConfig()
		scfg.Addr = config.GetString("server.addr")
		scfg.RateLimit = server.RateLimit{
			RPS:   config.GetFloat64("server.rate_limit"),
			Burst: config.GetInt("server.rate_burst"),
		}
		if origins, _ := cmd.Flags().GetStringSlice("origin"); len(origins) > 0 {
			scfg.AllowedOrigins = origins
		}
		scfg.Logger = logger

		srv, err := server.New(db, svc, scfg)
		if err != nil {
			fatal("Error creating server", err)
		}
		if err := srv.Start(); err != nil {
			_ = srv.Stop()
			fatal("Error starting server", err)
		}

		fmt.Printf("%s Serving on %s\n", ui.RenderAccent("🚀"), srv.Addr())
		fmt.Printf("   Provisioning API: http://%s/api\n", srv.Addr())
		fmt.Printf("   Sync endpoint:    http://%s/sync\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Server stopped")
	},
}

type seedFile struct {
	Servers []*schema.SyncServer `toml:"servers" yaml:"servers"`
}

// loadSeed reads sync servers from a TOML or YAML file, chosen by extension.
func loadSeed(path string) ([]*schema.SyncServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parseSeed(filepath.Ext(path), data)
}

func parseSeed(ext string, data []byte) ([]*schema.SyncServer, error) {
	var seed seedFile
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&seed); err != nil {
			return nil, fmt.Errorf("%w: invalid toml: %v", schema.ErrInvalidArgument, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("%w: invalid yaml: %v", schema.ErrInvalidArgument, err)
		}
	default:
		return nil, fmt.Errorf("%w: seed file must be .toml, .yaml or .yml", schema.ErrInvalidArgument)
	}

	seen := make(map[string]bool, len(seed.Servers))
	for _, srv := range seed.Servers {
		if err := srv.Validate(); err != nil {
			return nil, err
		}
		if seen[srv.ID] {
			return nil, fmt.Errorf("%w: duplicate sync server %s", schema.ErrInvalidArgument, srv.ID)
		}
		seen[srv.ID] = true
	}
	return seed.Servers, nil
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default server.addr)")
	serveCmd.Flags().String("driver", "", "Server database driver: sqlite or postgres")
	serveCmd.Flags().String("dsn", "", "Server database path or connection string")
	serveCmd.Flags().String("seed", "", "TOML or YAML file of sync servers to register")
	serveCmd.Flags().StringSlice("origin", nil, "Allowed CORS origins (default *)")

	serveCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for key, name := range map[string]string{
			"server.addr":      "addr",
			"server.db.driver": "driver",
			"server.db.dsn":    "dsn",
		} {
			if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	}
	rootCmd.AddCommand(serveCmd)
}
