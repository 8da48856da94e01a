package syncer

import (
	"context"
	"time"

	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
)

// Syncer keeps the local store of each space eventually consistent with the
// space's sync server.
//
// Passes for the same space are serialized; passes for different spaces run
// independently. A pass that fails leaves the space's watermarks untouched,
// so the next pass retries the same range.
type Syncer interface {
	// Pull fetches nodes changed on the server since the local watermark
	// and applies them to the local store.
	//
	// The watermark is the newest updatedAt among the space's local nodes.
	// Each fetched node replaces the local node with the same id or is
	// inserted. For encrypted spaces with a password, element and props are
	// decrypted before anything is written; a decryption failure aborts the
	// pass.
	//
	// An empty response is a no-op and does not write the space.
	//
	// Example:
	//   res, err := s.Pull(ctx, "space-1")
	Pull(ctx context.Context, spaceID string) (*Result, error)

	// Push uploads local nodes changed since the last acknowledged push.
	//
	// For encrypted spaces with a password, element and props are
	// encrypted before they leave the device. The push watermark advances
	// only after the server acknowledges the batch.
	//
	// Example:
	//   res, err := s.Push(ctx, "space-1")
	Push(ctx context.Context, spaceID string) (*Result, error)

	// Sync runs Pull then Push under a single per-space lock.
	Sync(ctx context.Context, spaceID string) (*Result, error)

	// SyncAll runs Sync for every bound space of the user concurrently.
	//
	// Failures of individual spaces do not stop the others. The returned
	// error joins every per-space failure; results are returned for the
	// spaces that succeeded.
	SyncAll(ctx context.Context, userID string) ([]*Result, error)

	// Bootstrap copies the user's spaces from the backend into the local
	// store when the store has none for that user, and issues access
	// tokens for them. It returns the user's local spaces afterwards.
	Bootstrap(ctx context.Context, userID string) ([]*schema.Space, error)

	// Rebind moves a space to another sync server and stores the new url
	// and access token locally. The push watermark is reset so the new
	// server receives the whole space on the next push.
	Rebind(ctx context.Context, spaceID, serverID string) (*schema.Space, error)
}

// Store is the local persistence the engine reads and writes.
type Store interface {
	GetSpace(ctx context.Context, id string) (*schema.Space, error)
	ListSpaces(ctx context.Context, userID string) ([]*schema.Space, error)
	CreateSpace(ctx context.Context, space *schema.Space) error
	UpdateSpace(ctx context.Context, id string, patch schema.SpacePatch) error

	ListNodesBySpace(ctx context.Context, spaceID string) ([]*schema.Node, error)
	ListNodesUpdatedAfter(ctx context.Context, spaceID string, after time.Time) ([]*schema.Node, error)
	CreateNode(ctx context.Context, node *schema.Node) error
	UpdateNode(ctx context.Context, id string, node *schema.Node) error
	GetLastUpdatedAt(ctx context.Context, spaceID string) (time.Time, error)
}

// Endpoint is the remote sync endpoint of a sync server.
type Endpoint interface {
	GetPullableNodes(ctx context.Context, b schema.Binding, after time.Time) ([]*schema.Node, error)
	PushNodes(ctx context.Context, b schema.Binding, nodes []*schema.Node) (*remote.PushAck, error)
}

// Directory is the provisioning API, used by Bootstrap and Rebind.
type Directory interface {
	ListSpaces(ctx context.Context, userID string) ([]*schema.Space, error)
	BindSyncServer(ctx context.Context, userID, spaceID, serverID string) (*remote.AccessTokenResponse, error)
	IssueAccessToken(ctx context.Context, userID, spaceID string) (*remote.AccessTokenResponse, error)
}

// Cipher encrypts and decrypts node payloads.
type Cipher interface {
	Encrypt(plaintext, password string) (string, error)
	Decrypt(ciphertext, password string) (string, error)
}

// Result summarizes one pass over one space.
type Result struct {
	SpaceID string

	// Fetched counts nodes returned by the server; Created and Updated
	// count how they were applied. Skipped counts fetched nodes at or below
	// the watermark, which a well-behaved server never returns.
	Fetched int
	Created int
	Updated int
	Skipped int

	// Pushed counts nodes sent; Accepted counts nodes the server stored.
	Pushed   int
	Accepted int

	// NodesLastUpdatedAt and NodesLastPushedAt are the space's watermarks
	// after the pass.
	NodesLastUpdatedAt time.Time
	NodesLastPushedAt  time.Time
}

// Changed reports whether the pass moved any data in either direction.
func (r *Result) Changed() bool {
	return r.Created+r.Updated+r.Pushed > 0
}
