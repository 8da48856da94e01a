package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/graphnote/graphnote/internal/cipher"
	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/schema"
)

// DefaultConcurrency bounds SyncAll when Config.Concurrency is unset.
const DefaultConcurrency = 4

// Config holds the engine's collaborators.
type Config struct {
	Store    Store
	Endpoint Endpoint

	// Directory is only required by Bootstrap and Rebind.
	Directory Directory

	// Cipher defaults to cipher.New().
	Cipher Cipher

	// Concurrency bounds how many spaces SyncAll syncs at once.
	Concurrency int

	Logger *log.Logger
}

type syncer struct {
	store     Store
	endpoint  Endpoint
	directory Directory
	cipher    Cipher
	logger    *log.Logger
	limit     int

	locks spaceLocks
}

// New creates a Syncer.
//
// Example:
//
//	s, err := syncer.New(syncer.Config{
//	    Store:    db,
//	    Endpoint: remote.NewClient(),
//	    Logger:   logger,
//	})
func New(cfg Config) (Syncer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("endpoint cannot be nil")
	}
	if cfg.Cipher == nil {
		cfg.Cipher = cipher.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("sync")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &syncer{
		store:     cfg.Store,
		endpoint:  cfg.Endpoint,
		directory: cfg.Directory,
		cipher:    cfg.Cipher,
		logger:    cfg.Logger,
		limit:     cfg.Concurrency,
		locks:     spaceLocks{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// Pull implements Syncer.
func (s *syncer) Pull(ctx context.Context, spaceID string) (*Result, error) {
	defer s.locks.lock(spaceID)()

	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	res := newResult(space)
	if err := s.pull(ctx, space, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Push implements Syncer.
func (s *syncer) Push(ctx context.Context, spaceID string) (*Result, error) {
	defer s.locks.lock(spaceID)()

	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	res := newResult(space)
	if err := s.push(ctx, space, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Sync implements Syncer.
func (s *syncer) Sync(ctx context.Context, spaceID string) (*Result, error) {
	defer s.locks.lock(spaceID)()

	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	res := newResult(space)
	if err := s.pull(ctx, space, res); err != nil {
		return nil, err
	}
	if err := s.push(ctx, space, res); err != nil {
		return nil, err
	}
	return res, nil
}

func newResult(space *schema.Space) *Result {
	return &Result{
		SpaceID:            space.ID,
		NodesLastUpdatedAt: space.NodesLastUpdatedAt,
		NodesLastPushedAt:  space.NodesLastPushedAt,
	}
}

// pull runs one pull pass. The caller holds the space lock.
func (s *syncer) pull(ctx context.Context, space *schema.Space, res *Result) error {
	binding, err := space.Binding()
	if err != nil {
		return err
	}

	// Compute the watermark from what is stored locally
	local, err := s.store.ListNodesBySpace(ctx, space.ID)
	if err != nil {
		return fmt.Errorf("failed to load local nodes for space %s: %w", space.ID, err)
	}

	byID := make(map[string]*schema.Node, len(local))
	var watermark time.Time
	for _, n := range local {
		byID[n.ID] = n
		if n.UpdatedAt.After(watermark) {
			watermark = n.UpdatedAt
		}
	}

	// Fetch changes strictly after it
	incoming, err := s.endpoint.GetPullableNodes(ctx, binding, watermark)
	if err != nil {
		return err
	}
	res.Fetched = len(incoming)
	if len(incoming) == 0 {
		s.logger.Debug("nothing to pull", "space", space.ID, "watermark", schema.Millis(watermark))
		return nil
	}

	// Decode the whole batch before the first write
	decoded := make([]*schema.Node, 0, len(incoming))
	for _, remoteNode := range incoming {
		if !remoteNode.UpdatedAt.After(watermark) {
			s.logger.Warn("skipping node at or below watermark",
				"space", space.ID, "node", remoteNode.ID,
				"updatedAt", schema.Millis(remoteNode.UpdatedAt), "watermark", schema.Millis(watermark))
			res.Skipped++
			continue
		}
		node, err := s.decodeIncoming(space, remoteNode)
		if err != nil {
			return err
		}
		decoded = append(decoded, node)
	}

	// Apply each node, keyed by the local record when there is one
	for _, node := range decoded {
		if err := ctx.Err(); err != nil {
			return err
		}
		if existing, ok := byID[node.ID]; ok {
			node.SpaceID = existing.SpaceID
			if err := s.store.UpdateNode(ctx, existing.ID, node); err != nil {
				return fmt.Errorf("failed to update node %s: %w", existing.ID, err)
			}
			res.Updated++
		} else {
			node.SpaceID = space.ID
			if err := s.store.CreateNode(ctx, node); err != nil {
				return fmt.Errorf("failed to create node %s: %w", node.ID, err)
			}
			byID[node.ID] = node
			res.Created++
		}
		s.logger.Debug("pulled node", "space", space.ID, "node", node.ID, "updatedAt", schema.Millis(node.UpdatedAt))
	}

	if res.Created+res.Updated == 0 {
		return nil
	}

	// Record the true local watermark, never moving it backwards
	last, err := s.store.GetLastUpdatedAt(ctx, space.ID)
	if err != nil {
		return fmt.Errorf("failed to compute watermark for space %s: %w", space.ID, err)
	}
	if last.Before(space.NodesLastUpdatedAt) {
		last = space.NodesLastUpdatedAt
	}
	if err := s.store.UpdateSpace(ctx, space.ID, schema.SpacePatch{NodesLastUpdatedAt: &last}); err != nil {
		return fmt.Errorf("failed to record pull watermark for space %s: %w", space.ID, err)
	}
	space.NodesLastUpdatedAt = last
	res.NodesLastUpdatedAt = last

	s.logger.Info("pulled", "space", space.ID, "created", res.Created, "updated", res.Updated,
		"watermark", schema.Millis(last))
	return nil
}

// push runs one push pass. The caller holds the space lock.
func (s *syncer) push(ctx context.Context, space *schema.Space, res *Result) error {
	binding, err := space.Binding()
	if err != nil {
		return err
	}

	// Collect local changes above the last acknowledged push
	pending, err := s.store.ListNodesUpdatedAfter(ctx, space.ID, space.NodesLastPushedAt)
	if err != nil {
		return fmt.Errorf("failed to load pending nodes for space %s: %w", space.ID, err)
	}
	if len(pending) == 0 {
		s.logger.Debug("nothing to push", "space", space.ID)
		return nil
	}
	if space.Encrypted && space.Password == "" {
		return fmt.Errorf("%w: %s has %d pending node(s)", ErrPasswordRequired, space.ID, len(pending))
	}

	// Encrypt for the wire

	outgoing := make([]*schema.Node, 0, len(pending))
	var newest time.Time
	for _, n := range pending {
		encoded, err := s.encodeOutgoing(space, n)
		if err != nil {
			return err
		}
		outgoing = append(outgoing, encoded)
		if n.UpdatedAt.After(newest) {
			newest = n.UpdatedAt
		}
	}

	// Send, then advance the marker only once the server has acked
	ack, err := s.endpoint.PushNodes(ctx, binding, outgoing)
	if err != nil {
		return err
	}
	res.Pushed = len(outgoing)
	res.Accepted = ack.Accepted

	if newest.Before(space.NodesLastPushedAt) {
		newest = space.NodesLastPushedAt
	}
	if err := s.store.UpdateSpace(ctx, space.ID, schema.SpacePatch{NodesLastPushedAt: &newest}); err != nil {
		return fmt.Errorf("failed to record push watermark for space %s: %w", space.ID, err)
	}
	space.NodesLastPushedAt = newest
	res.NodesLastPushedAt = newest

	s.logger.Info("pushed", "space", space.ID, "sent", res.Pushed, "accepted", res.Accepted)
	return nil
}

// spaceLocks serializes passes per space within this process.
type spaceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the space's mutex and returns its release function.
func (l *spaceLocks) lock(spaceID string) func() {
	l.mu.Lock()
	m, ok := l.locks[spaceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[spaceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

var errNoDirectory = errors.New("no provisioning API configured")

// ErrPasswordRequired is returned by Push for an encrypted space whose
// password is not set on this device. Nothing is sent.
var ErrPasswordRequired = fmt.Errorf("%w: space is encrypted but no password is set", schema.ErrPreconditionFailed)
