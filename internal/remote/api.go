package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/graphnote/graphnote/internal/schema"
)

// APIClient talks to the provisioning API.
type APIClient struct {
	transport
	baseURL string
}

// NewAPIClient returns a client for the provisioning API rooted at baseURL,
// e.g. "https://api.example.com/api".
func NewAPIClient(baseURL string, opts ...Option) *APIClient {
	return &APIClient{
		transport: newTransport("api", opts),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// call performs a request and unwraps the APIResponse envelope into out.
func (c *APIClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	var env APIResponse
	if err := c.do(ctx, method, c.baseURL+path, "", body, &env); err != nil {
		return err
	}
	if !env.Success {
		msg := "request failed"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return fmt.Errorf("%w: %s", schema.ErrNetwork, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", schema.ErrNetwork, path, err)
	}
	return nil
}

// CreateSpace provisions a space and returns it with its first access token.
func (c *APIClient) CreateSpace(ctx context.Context, req CreateSpaceRequest) (*CreateSpaceResponse, error) {
	var resp CreateSpaceResponse
	if err := c.call(ctx, http.MethodPost, "/spaces", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create space: %w", err)
	}
	return &resp, nil
}

// ListSpaces returns the spaces the user owns on the backend.
func (c *APIClient) ListSpaces(ctx context.Context, userID string) ([]*schema.Space, error) {
	var spaces []*schema.Space
	path := "/users/" + url.PathEscape(userID) + "/spaces"
	if err := c.call(ctx, http.MethodGet, path, nil, &spaces); err != nil {
		return nil, fmt.Errorf("failed to list spaces for %s: %w", userID, err)
	}
	return spaces, nil
}

// ListSyncServers returns the running sync servers spaces can be bound to.
func (c *APIClient) ListSyncServers(ctx context.Context) ([]*schema.SyncServer, error) {
	var servers []*schema.SyncServer
	if err := c.call(ctx, http.MethodGet, "/sync-servers", nil, &servers); err != nil {
		return nil, fmt.Errorf("failed to list sync servers: %w", err)
	}
	return servers, nil
}

// BindSyncServer moves the space to another sync server and returns the new
// server's url and access token.
func (c *APIClient) BindSyncServer(ctx context.Context, userID, spaceID, serverID string) (*AccessTokenResponse, error) {
	var resp AccessTokenResponse
	path := "/spaces/" + url.PathEscape(spaceID) + "/sync-server"
	body := BindRequest{UserID: userID, SyncServerID: serverID}
	if err := c.call(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to bind space %s to %s: %w", spaceID, serverID, err)
	}
	return &resp, nil
}

// IssueAccessToken mints a new access token for the space's current server.
func (c *APIClient) IssueAccessToken(ctx context.Context, userID, spaceID string) (*AccessTokenResponse, error) {
	var resp AccessTokenResponse
	path := "/spaces/" + url.PathEscape(spaceID) + "/access-token"
	if err := c.call(ctx, http.MethodPost, path, TokenRequest{UserID: userID}, &resp); err != nil {
		return nil, fmt.Errorf("failed to issue access token for space %s: %w", spaceID, err)
	}
	return &resp, nil
}
