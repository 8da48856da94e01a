// Package remote speaks the HTTP protocols between a device and the backend:
// the per-space sync endpoint hosted by a sync server (Client) and the
// provisioning API that creates spaces and binds them to servers (APIClient).
//
// The wire types in this file are shared with internal/server.
package remote

import (
	"encoding/json"

	"github.com/graphnote/graphnote/internal/schema"
)

// ProtocolVersion is the sync protocol version implemented by this package.
// Client and server must agree on the major version.
const ProtocolVersion = "v1.2.0"

// NodesResponse is the body of GET {syncURL}/spaces/{id}/nodes.
type NodesResponse struct {
	Nodes []*schema.Node `json:"nodes"`
}

// PushRequest is the body of POST {syncURL}/spaces/{id}/nodes.
type PushRequest struct {
	Nodes []*schema.Node `json:"nodes"`
}

// PushAck acknowledges a push. Accepted counts the nodes the server stored;
// nodes older than the server's copy are acknowledged but not stored.
type PushAck struct {
	Accepted      int   `json:"accepted"`
	LastUpdatedAt int64 `json:"lastUpdatedAt"`
}

// Health is the body of GET {syncURL}/health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// EventType names a change notification.
type EventType string

const (
	EventNodesChanged EventType = "nodes_changed"
	EventPing         EventType = "ping"
)

// Event is a change notification delivered over the events websocket.
type Event struct {
	Type          EventType `json:"type"`
	SpaceID       string    `json:"spaceId"`
	LastUpdatedAt int64     `json:"lastUpdatedAt,omitempty"`
	Timestamp     int64     `json:"timestamp"`
}

// CreateSpaceRequest is the body of POST /api/spaces. SpaceData is the
// JSON-encoded space description produced by the client.
type CreateSpaceRequest struct {
	UserID    string `json:"userId"`
	SpaceData string `json:"spaceData"`
	Encrypted bool   `json:"encrypted"`
}

// CreateSpaceResponse is returned by a successful space creation.
type CreateSpaceResponse struct {
	Space                 *schema.Space `json:"space"`
	SyncServerAccessToken string        `json:"syncServerAccessToken"`
	SyncServerURL         string        `json:"syncServerUrl"`
}

// BindRequest is the body of POST /api/spaces/{id}/sync-server.
type BindRequest struct {
	UserID       string `json:"userId"`
	SyncServerID string `json:"syncServerId"`
}

// TokenRequest is the body of POST /api/spaces/{id}/access-token.
type TokenRequest struct {
	UserID string `json:"userId"`
}

// AccessTokenResponse carries a freshly minted access token.
type AccessTokenResponse struct {
	SyncServerID          string `json:"syncServerId"`
	SyncServerURL         string `json:"syncServerUrl"`
	SyncServerAccessToken string `json:"syncServerAccessToken"`
}

// Error codes carried in APIError.Code.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeNotFound      = "NOT_FOUND"
	CodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	CodeInternalError = "INTERNAL_SERVER_ERROR"
)

// Error reasons carried in APIError.Reason so clients can recover the
// sentinel error behind a BAD_REQUEST.
const (
	ReasonInvalidArgument    = "INVALID_ARGUMENT"
	ReasonPreconditionFailed = "PRECONDITION_FAILED"
)

// APIResponse is the envelope of every provisioning API response.
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}
