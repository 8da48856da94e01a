// Command gn is the graphnote client and backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/config"
	"github.com/graphnote/graphnote/internal/localdb"
	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/syncer"
	"github.com/graphnote/graphnote/internal/ui"
)

// Version is set at build time.
var Version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:   "gn",
	Short: "Offline-first notes that sync between devices",
	Long: `gn keeps a local graph of spaces and nodes and syncs each space with
the sync server it is bound to.

Configuration is read from config.yaml in $GN_HOME (default ~/.graphnote),
then GN_* environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home, _ := cmd.Flags().GetString("home")
		if err := config.Initialize(home); err != nil {
			return err
		}
		for key, name := range map[string]string{
			"db.path":   "db",
			"user.id":   "user",
			"api.url":   "api",
			"log.level": "log-level",
		} {
			if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor || os.Getenv("NO_COLOR") != "" {
			ui.DisableColor()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "spaces", Title: "Spaces:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "notes", Title: "Notes:"},
		&cobra.Group{ID: "server", Title: "Backend:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.String("home", "", "Data directory (default $GN_HOME or ~/.graphnote)")
	pf.String("db", "", "Local database path")
	pf.String("user", "", "User id")
	pf.String("api", "", "Provisioning API url")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("no-color", false, "Disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]interface{}{ui.RenderFail("✗")}, args...)...)
	os.Exit(1)
}

// fatal prints err with the server-provided message when there is one.
func fatal(what string, err error) {
	msg := remote.Message(err)
	switch {
	case errors.Is(err, schema.ErrUnauthorized):
		msg += "\n  Run 'gn space token <space>' to issue a new access token"
	case errors.Is(err, syncer.ErrPasswordRequired):
		msg += "\n  Set the space password with 'gn space password <space>'"
	case errors.Is(err, schema.ErrDecryption):
		msg += "\n  Check the space password with 'gn space password <space>'"
	case schema.IsRetryable(err):
		msg += "\n  The server may be unreachable; try again later"
	}
	fatalf("%s: %s", what, msg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(prefix string) (*log.Logger, io.Closer) {
	logger, closer, err := logging.New(logging.Options{
		Level:  config.GetString("log.level"),
		Format: config.GetString("log.format"),
		File:   config.GetString("log.file"),
		Prefix: prefix,
	})
	if err != nil {
		fatal("Error configuring logging", err)
	}
	return logger, closer
}

func requireUser() string {
	userID := config.GetString("user.id")
	if userID == "" {
		fatalf("No user id configured (use --user, GN_USER_ID or user.id in config.yaml)")
	}
	return userID
}

func openLocal() *localdb.DB {
	path := config.GetString("db.path")
	if err := os.MkdirAll(config.Home(), 0o700); err != nil {
		fatal("Error creating data directory", err)
	}
	db, err := localdb.Open(path)
	if err != nil {
		fatal("Error opening local database", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		fatal("Error initializing schema", err)
	}
	return db
}

// client bundles the local store with the remote collaborators.
type client struct {
	db     *localdb.DB
	api    *remote.APIClient
	remote *remote.Client
	sync   syncer.Syncer
	logger *log.Logger
	closer io.Closer
}

func newClient(prefix string) *client {
	logger, closer := newLogger(prefix)
	db := openLocal()

	ua := remote.WithUserAgent("gn/" + Version)
	c := &client{
		db:     db,
		api:    remote.NewAPIClient(config.GetString("api.url"), ua, remote.WithLogger(logger)),
		remote: remote.NewClient(ua, remote.WithLogger(logger)),
		logger: logger,
		closer: closer,
	}

	s, err := syncer.New(syncer.Config{
		Store:       db,
		Endpoint:    c.remote,
		Directory:   c.api,
		Concurrency: config.GetInt("daemon.concurrency"),
		Logger:      logger,
	})
	if err != nil {
		c.Close()
		fatal("Error creating syncer", err)
	}
	c.sync = s
	return c
}

func (c *client) Close() {
	c.db.Close()
	c.closer.Close()
}

func (c *client) space(ctx context.Context, id string) *schema.Space {
	space, err := c.db.GetSpace(ctx, id)
	if err != nil {
		fatal("Error loading space", err)
	}
	return space
}
