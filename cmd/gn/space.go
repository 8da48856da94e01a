package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/ui"
)

var spaceCmd = &cobra.Command{
	Use:     "space",
	GroupID: "spaces",
	Short:   "Create spaces and manage their sync servers",
}

var spaceCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Provision a new space on the newest official sync server",
	Long: `Create a space through the provisioning API and store it locally.

The backend binds the space to the most recently added official sync server
and returns an access token for it. With no name and an interactive
terminal, gn prompts for the settings.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()
		form := ui.SpaceForm{}
		if len(args) == 1 {
			form.Name = args[0]
		}
		form.Color, _ = cmd.Flags().GetString("color")
		form.Encrypted, _ = cmd.Flags().GetBool("encrypted")
		form.Password, _ = cmd.Flags().GetString("password")

		if form.Name == "" {
			if !ui.Interactive() {
				fatalf("A space name is required")
			}
			answers, err := ui.PromptSpace(form)
			if err != nil {
				fatal("Error reading space settings", err)
			}
			form = *answers
		}
		if form.Encrypted && form.Password == "" {
			fatalf("--password is required for an encrypted space")
		}

		c := newClient("space")
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		space, err := createSpace(ctx, c, userID, form)
		if err != nil {
			fatal("Error creating space", err)
		}

		fmt.Printf("%s Created space %s\n", ui.RenderPass("✓"), ui.RenderBold(space.Name))
		fmt.Printf("   ID: %s\n", space.ID)
		fmt.Printf("   Sync server: %s (%s)\n", space.SyncServerID, space.SyncServerURL)
		if space.Encrypted {
			fmt.Printf("   %s\n", ui.RenderMuted("Encrypted; the password stays on this device"))
		}
	},
}

// spaceData builds the JSON document the provisioning API expects.
func spaceData(id string, form ui.SpaceForm) (string, error) {
	doc := map[string]interface{}{
		"id":            id,
		"name":          form.Name,
		"isActive":      true,
		"editorMode":    schema.EditorModeOutliner,
		"activeNodeIds": []string{},
	}
	if form.Color != "" {
		doc["color"] = form.Color
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode space data: %w", err)
	}
	return string(data), nil
}

func createSpace(ctx context.Context, c *client, userID string, form ui.SpaceForm) (*schema.Space, error) {
	data, err := spaceData(uuid.NewString(), form)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.CreateSpace(ctx, remote.CreateSpaceRequest{
		UserID:    userID,
		SpaceData: data,
		Encrypted: form.Encrypted,
	})
	if err != nil {
		return nil, err
	}

	space := *resp.Space
	space.SyncServerURL = resp.SyncServerURL
	space.SyncServerAccessToken = resp.SyncServerAccessToken
	space.Password = form.Password
	if err := c.db.CreateSpace(ctx, &space); err != nil {
		return nil, fmt.Errorf("space %s was provisioned but could not be stored locally: %w", space.ID, err)
	}
	return &space, nil
}

var spaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local spaces",
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()
		remoteOnly, _ := cmd.Flags().GetBool("remote")

		c := newClient("space")
		defer c.Close()
		ctx := context.Background()

		var (
			spaces []*schema.Space
			err    error
		)
		if remoteOnly {
			spaces, err = c.api.ListSpaces(ctx, userID)
		} else {
			spaces, err = c.db.ListSpaces(ctx, userID)
		}
		if err != nil {
			fatal("Error listing spaces", err)
		}

		if len(spaces) == 0 {
			fmt.Printf("%s No spaces\n", ui.RenderWarn("⚠"))
			if !remoteOnly {
				fmt.Println("   Run 'gn space create' or 'gn space bootstrap'")
			}
			return
		}
		for _, sp := range spaces {
			printSpace(sp)
		}
	},
}

func printSpace(sp *schema.Space) {
	flags := []string{}
	if sp.Encrypted {
		flags = append(flags, "encrypted")
	}
	if !sp.IsBound() {
		flags = append(flags, "unbound")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " " + ui.RenderWarn("["+strings.Join(flags, ", ")+"]")
	}
	fmt.Printf("%s  %s%s\n", ui.RenderAccent(sp.ID), ui.RenderBold(sp.Name), suffix)
	fmt.Printf("   server %s  pulled %s  pushed %s\n",
		orDash(sp.SyncServerID), formatTime(sp.NodesLastUpdatedAt), formatTime(sp.NodesLastPushedAt))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ui.RenderMuted("never")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var spaceBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Copy your spaces from the backend when this device has none",
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()
		c := newClient("space")
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		spaces, err := c.sync.Bootstrap(ctx, userID)
		if err != nil {
			fatal("Error bootstrapping spaces", err)
		}
		fmt.Printf("%s %d space(s) on this device\n", ui.RenderPass("✓"), len(spaces))
		for _, sp := range spaces {
			printSpace(sp)
		}
	},
}

var spaceServersCmd = &cobra.Command{
	Use:   "servers",
	Short: "List running sync servers",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient("space")
		defer c.Close()

		servers, err := c.api.ListSyncServers(context.Background())
		if err != nil {
			fatal("Error listing sync servers", err)
		}
		if len(servers) == 0 {
			fmt.Printf("%s No running sync servers\n", ui.RenderWarn("⚠"))
			return
		}
		for _, srv := range servers {
			fmt.Printf("%s  %s  %s  %s\n", ui.RenderAccent(srv.ID), srv.Name, ui.RenderMuted(string(srv.Type)), srv.URL)
		}
	},
}

var spaceRebindCmd = &cobra.Command{
	Use:   "rebind <space-id> <server-id>",
	Short: "Move a space to another sync server",
	Long: `Bind the space to another running sync server.

Previously issued access tokens for the space stop working. The next push
uploads the whole space to the new server.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient("space")
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		space, err := c.sync.Rebind(ctx, args[0], args[1])
		if err != nil {
			fatal("Error rebinding space", err)
		}
		fmt.Printf("%s Space %s now syncs with %s (%s)\n",
			ui.RenderPass("✓"), space.ID, space.SyncServerID, space.SyncServerURL)
	},
}

var spaceTokenCmd = &cobra.Command{
	Use:   "token <space-id>",
	Short: "Issue a new access token for the space's sync server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()
		c := newClient("space")
		defer c.Close()
		ctx := context.Background()

		space := c.space(ctx, args[0])
		resp, err := c.api.IssueAccessToken(ctx, userID, space.ID)
		if err != nil {
			fatal("Error issuing access token", err)
		}
		err = c.db.UpdateSpace(ctx, space.ID, schema.SpacePatch{
			SyncServerID:          &resp.SyncServerID,
			SyncServerURL:         &resp.SyncServerURL,
			SyncServerAccessToken: &resp.SyncServerAccessToken,
		})
		if err != nil {
			fatal("Error storing access token", err)
		}
		fmt.Printf("%s Stored a new access token for %s\n", ui.RenderPass("✓"), space.ID)
	},
}

var spacePasswordCmd = &cobra.Command{
	Use:   "password <space-id>",
	Short: "Set the password used to encrypt and decrypt a space on this device",
	Long: `Set the space password. It is stored in the local database only.

Reads the password from --password, or from the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			var line string
			if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
				fatalf("No password given")
			}
			password = line
		}

		c := newClient("space")
		defer c.Close()
		ctx := context.Background()

		space := c.space(ctx, args[0])
		if !space.Encrypted {
			fmt.Printf("%s Space %s is not encrypted; the password is unused\n", ui.RenderWarn("⚠"), space.ID)
		}
		if err := c.db.UpdateSpace(ctx, space.ID, schema.SpacePatch{Password: &password}); err != nil {
			fatal("Error storing password", err)
		}
		fmt.Printf("%s Password updated\n", ui.RenderPass("✓"))
	},
}

func init() {
	spaceCreateCmd.Flags().String("color", "", "Space color")
	spaceCreateCmd.Flags().Bool("encrypted", false, "Encrypt node content with a password")
	spaceCreateCmd.Flags().String("password", "", "Password for an encrypted space")
	spaceListCmd.Flags().Bool("remote", false, "List the spaces known to the backend")
	spacePasswordCmd.Flags().String("password", "", "New password")

	spaceCmd.AddCommand(spaceCreateCmd, spaceListCmd, spaceBootstrapCmd, spaceServersCmd,
		spaceRebindCmd, spaceTokenCmd, spacePasswordCmd)
	rootCmd.AddCommand(spaceCmd)
}
