package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/graphnote/graphnote/internal/schema"
)

// Client talks to the sync endpoint of a sync server. One Client serves any
// number of spaces and servers; the target is taken from the Binding.
type Client struct {
	transport
}

// NewClient returns a sync endpoint client.
func NewClient(opts ...Option) *Client {
	return &Client{transport: newTransport("remote", opts)}
}

func nodesURL(b schema.Binding) string {
	return b.URL + "/spaces/" + url.PathEscape(b.SpaceID) + "/nodes"
}

// GetPullableNodes returns the space's nodes whose updatedAt is strictly
// after the given time. The zero time requests every node.
func (c *Client) GetPullableNodes(ctx context.Context, b schema.Binding, after time.Time) ([]*schema.Node, error) {
	u := nodesURL(b) + "?after=" + strconv.FormatInt(schema.Millis(after), 10)

	var resp NodesResponse
	if err := c.do(ctx, http.MethodGet, u, b.AccessToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch nodes for space %s: %w", b.SpaceID, err)
	}
	for _, n := range resp.Nodes {
		n.CreatedAt = schema.Truncate(n.CreatedAt)
		n.UpdatedAt = schema.Truncate(n.UpdatedAt)
	}

	c.logger.Debug("pulled nodes", "space", b.SpaceID, "after", schema.Millis(after), "count", len(resp.Nodes))
	return resp.Nodes, nil
}

// PushNodes uploads nodes to the space and returns the server's receipt.
func (c *Client) PushNodes(ctx context.Context, b schema.Binding, nodes []*schema.Node) (*PushAck, error) {
	var ack PushAck
	if err := c.do(ctx, http.MethodPost, nodesURL(b), b.AccessToken, PushRequest{Nodes: nodes}, &ack); err != nil {
		return nil, fmt.Errorf("failed to push nodes for space %s: %w", b.SpaceID, err)
	}
	c.logger.Debug("pushed nodes", "space", b.SpaceID, "sent", len(nodes), "accepted", ack.Accepted)
	return &ack, nil
}

// Health fetches the server's health document.
func (c *Client) Health(ctx context.Context, syncURL string) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, syncURL+"/health", "", nil, &h); err != nil {
		return nil, fmt.Errorf("failed to check health of %s: %w", syncURL, err)
	}
	return &h, nil
}

// CheckServer verifies the server is healthy and speaks a compatible
// protocol version.
func (c *Client) CheckServer(ctx context.Context, syncURL string) (*Health, error) {
	h, err := c.Health(ctx, syncURL)
	if err != nil {
		return nil, err
	}
	if err := CheckCompatible(h.Version); err != nil {
		return h, err
	}
	return h, nil
}

// CheckCompatible reports whether a server advertising version can be used
// by this client.
func CheckCompatible(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: server reports invalid protocol version %q", schema.ErrPreconditionFailed, version)
	}
	if semver.Major(version) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("%w: server protocol %s is incompatible with client %s",
			schema.ErrPreconditionFailed, version, ProtocolVersion)
	}
	return nil
}

// Subscribe opens the space's change-notification stream. The returned
// channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Subscribe(ctx context.Context, b schema.Binding) (<-chan Event, error) {
	u := b.URL + "/spaces/" + url.PathEscape(b.SpaceID) + "/events"

	// The stream is long-lived; only ctx bounds it.
	hc := *c.http
	hc.Timeout = 0

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + b.AccessToken}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to subscribe to space %s: %w", b.SpaceID, schema.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: failed to subscribe to space %s: %v", schema.ErrNetwork, b.SpaceID, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("event stream closed", "space", b.SpaceID, "err", err)
				}
				return
			}

			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Warn("dropping malformed event", "space", b.SpaceID, "err", err)
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
