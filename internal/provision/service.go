// Package provision creates spaces on the backend and binds them to sync
// servers.
//
// Space creation is a single bounded transaction: pick the newest official
// sync server, mint an access token signed with that server's secret, record
// the grant and insert the space. Either all of it is committed or none of it.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/serverdb"
)

// Config bounds the provisioning transactions.
type Config struct {
	// MaxWait limits how long to wait for a database connection.
	MaxWait time.Duration
	// Timeout limits the transaction itself.
	Timeout time.Duration

	Logger *log.Logger
}

// DefaultConfig returns a wait bound of 5s and a transaction timeout of 10s.
func DefaultConfig() *Config {
	return &Config{
		MaxWait: 5 * time.Second,
		Timeout: 10 * time.Second,
	}
}

// Error is a failure with a message meant for the end user.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Message }
func (e *Error) Unwrap() error { return e.Kind }

func userError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Service implements space provisioning.
type Service struct {
	db     *serverdb.DB
	opts   serverdb.TxOptions
	logger *log.Logger
	now    func() time.Time

	// beforeSpaceInsert runs inside the creation transaction after the
	// token is minted and its grant recorded.
	beforeSpaceInsert func(ctx context.Context) error
}

// NewService creates a Service. A nil config uses DefaultConfig.
func NewService(db *serverdb.DB, config *Config) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default("provision")
	}
	return &Service{
		db:     db,
		opts:   serverdb.TxOptions{MaxWait: config.MaxWait, Timeout: config.Timeout},
		logger: logger,
		now:    schema.Now,
	}, nil
}

// CreateSpaceInput is the request to provision a space. SpaceData is the
// client's JSON description of the space.
type CreateSpaceInput struct {
	UserID    string
	SpaceData string
	Encrypted bool
}

// CreateSpaceResult is a provisioned space with its first access token.
type CreateSpaceResult struct {
	Space         *schema.Space
	AccessToken   string
	SyncServerURL string
}

// spaceData is the client-supplied part of a new space.
type spaceData struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Color         string            `json:"color"`
	IsActive      bool              `json:"isActive"`
	EditorMode    schema.EditorMode `json:"editorMode"`
	ActiveNodeIDs []string          `json:"activeNodeIds"`
	NodeSnapshot  json.RawMessage   `json:"nodeSnapshot"`
	PageSnapshot  json.RawMessage   `json:"pageSnapshot"`
}

// CreateSpace validates the input and provisions the space atomically.
func (s *Service) CreateSpace(ctx context.Context, in CreateSpaceInput) (*CreateSpaceResult, error) {
	space, err := parseSpace(in)
	if err != nil {
		return nil, err
	}

	var result *CreateSpaceResult
	err = s.db.WithTx(ctx, s.opts, func(ctx context.Context, tx *serverdb.Tx) error {
		server, err := tx.LatestOfficialServer(ctx)
		if errors.Is(err, schema.ErrNotFound) {
			return userError(schema.ErrPreconditionFailed, "no sync server available")
		}
		if err != nil {
			return txFailure(err)
		}

		now := s.now()
		token, err := MintAccessToken(server, in.UserID, space.ID, now)
		if err != nil {
			return err
		}

		grant := &schema.AccessGrant{
			ID:           uuid.NewString(),
			SpaceID:      space.ID,
			UserID:       in.UserID,
			SyncServerID: server.ID,
			TokenHash:    HashToken(token),
			IssuedAt:     now,
		}
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return txFailure(err)
		}

		if s.beforeSpaceInsert != nil {
			if err := s.beforeSpaceInsert(ctx); err != nil {
				return err
			}
		}

		space.SyncServerID = server.ID
		space.CreatedAt = now
		if err := tx.InsertSpace(ctx, space); err != nil {
			return txFailure(err)
		}

		space.SyncServerURL = server.URL
		result = &CreateSpaceResult{Space: space, AccessToken: token, SyncServerURL: server.URL}
		return nil
	})
	if err != nil {
		s.logger.Warn("space creation failed", "user", in.UserID, "space", space.ID, "err", err)
		return nil, err
	}

	s.logger.Info("space created", "user", in.UserID, "space", space.ID, "server", result.Space.SyncServerID)
	return result, nil
}

func parseSpace(in CreateSpaceInput) (*schema.Space, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, userError(schema.ErrInvalidArgument, "User id is required.")
	}

	var data spaceData
	if err := json.Unmarshal([]byte(in.SpaceData), &data); err != nil {
		return nil, userError(schema.ErrInvalidArgument, "Space data is not valid JSON.")
	}
	if schema.IsReservedName(data.Name) {
		return nil, userError(schema.ErrInvalidArgument, schema.ReservedNameMessage)
	}

	space := &schema.Space{
		ID:            data.ID,
		UserID:        in.UserID,
		Subdomain:     uuid.NewString(),
		Name:          strings.TrimSpace(data.Name),
		Color:         data.Color,
		IsActive:      data.IsActive,
		EditorMode:    data.EditorMode,
		Encrypted:     in.Encrypted,
		ActiveNodeIDs: data.ActiveNodeIDs,
		NodeSnapshot:  data.NodeSnapshot,
		PageSnapshot:  data.PageSnapshot,
	}
	if err := space.Validate(); err != nil {
		return nil, userError(schema.ErrInvalidArgument, "%s", strings.TrimPrefix(err.Error(), schema.ErrInvalidArgument.Error()+": "))
	}
	return space, nil
}

// Grant is a minted access token with its server location.
type Grant struct {
	SyncServerID  string
	SyncServerURL string
	AccessToken   string
}

// BindSyncServer moves a space to another sync server. Prior grants are
// revoked and a token for the new server is issued.
func (s *Service) BindSyncServer(ctx context.Context, userID, spaceID, serverID string) (*Grant, error) {
	var grant *Grant
	err := s.db.WithTx(ctx, s.opts, func(ctx context.Context, tx *serverdb.Tx) error {
		if _, err := ownedSpace(ctx, tx, userID, spaceID); err != nil {
			return err
		}

		server, err := tx.GetSyncServer(ctx, serverID)
		if err != nil {
			return err
		}
		if !server.Usable() {
			return userError(schema.ErrPreconditionFailed, "Sync server %s is not running.", server.ID)
		}

		now := s.now()
		if _, err := tx.RevokeGrants(ctx, spaceID, now); err != nil {
			return txFailure(err)
		}
		g, err := s.issue(ctx, tx, server, userID, spaceID, now)
		if err != nil {
			return err
		}
		if err := tx.SetSpaceServer(ctx, spaceID, server.ID); err != nil {
			return txFailure(err)
		}
		grant = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("space rebound", "user", userID, "space", spaceID, "server", serverID)
	return grant, nil
}

// IssueAccessToken mints another token for the space's current server, for
// example for a new device.
func (s *Service) IssueAccessToken(ctx context.Context, userID, spaceID string) (*Grant, error) {
	var grant *Grant
	err := s.db.WithTx(ctx, s.opts, func(ctx context.Context, tx *serverdb.Tx) error {
		space, err := ownedSpace(ctx, tx, userID, spaceID)
		if err != nil {
			return err
		}
		server, err := tx.GetSyncServer(ctx, space.SyncServerID)
		if err != nil {
			return err
		}
		grant, err = s.issue(ctx, tx, server, userID, spaceID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (s *Service) issue(ctx context.Context, tx *serverdb.Tx, server *schema.SyncServer, userID, spaceID string, now time.Time) (*Grant, error) {
	token, err := MintAccessToken(server, userID, spaceID, now)
	if err != nil {
		return nil, err
	}
	err = tx.InsertGrant(ctx, &schema.AccessGrant{
		ID:           uuid.NewString(),
		SpaceID:      spaceID,
		UserID:       userID,
		SyncServerID: server.ID,
		TokenHash:    HashToken(token),
		IssuedAt:     now,
	})
	if err != nil {
		return nil, txFailure(err)
	}
	return &Grant{SyncServerID: server.ID, SyncServerURL: server.URL, AccessToken: token}, nil
}

func ownedSpace(ctx context.Context, tx *serverdb.Tx, userID, spaceID string) (*schema.Space, error) {
	if userID == "" {
		return nil, userError(schema.ErrInvalidArgument, "User id is required.")
	}
	space, err := tx.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	// Other users' spaces are reported as missing.
	if space.UserID != userID {
		return nil, fmt.Errorf("space %s: %w", spaceID, schema.ErrNotFound)
	}
	return space, nil
}

// ListSpaces returns the user's spaces with their sync server urls filled in.
func (s *Service) ListSpaces(ctx context.Context, userID string) ([]*schema.Space, error) {
	if userID == "" {
		return nil, userError(schema.ErrInvalidArgument, "User id is required.")
	}
	spaces, err := s.db.ListSpacesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	urls := map[string]string{}
	for _, sp := range spaces {
		u, ok := urls[sp.SyncServerID]
		if !ok {
			server, err := s.db.GetSyncServer(ctx, sp.SyncServerID)
			if err != nil && !errors.Is(err, schema.ErrNotFound) {
				return nil, err
			}
			if server != nil {
				u = server.URL
			}
			urls[sp.SyncServerID] = u
		}
		sp.SyncServerURL = u
	}
	return spaces, nil
}

// ListRunningServers returns the servers spaces can be bound to.
func (s *Service) ListRunningServers(ctx context.Context) ([]*schema.SyncServer, error) {
	servers, err := s.db.ListSyncServers(ctx, true)
	if err != nil {
		return nil, err
	}
	usable := servers[:0]
	for _, srv := range servers {
		if srv.Usable() {
			usable = append(usable, srv)
		}
	}
	return usable, nil
}

// RegisterServer adds or updates a sync server.
func (s *Service) RegisterServer(ctx context.Context, server *schema.SyncServer) error {
	if err := s.db.UpsertSyncServer(ctx, server); err != nil {
		return err
	}
	s.logger.Info("sync server registered", "server", server.ID, "type", server.Type, "url", server.URL)
	return nil
}

// Authorize checks that token grants access to spaceID on the sync server
// it was issued for, and that the space is still bound to that server.
func (s *Service) Authorize(ctx context.Context, token, spaceID string) (*AccessClaims, error) {
	claims, err := VerifyAccessToken(token, func(serverID string) (string, error) {
		server, err := s.db.GetSyncServer(ctx, serverID)
		if err != nil {
			return "", err
		}
		return server.Token, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.SpaceID != spaceID {
		return nil, fmt.Errorf("%w: token is for another space", schema.ErrUnauthorized)
	}

	space, err := s.db.GetSpace(ctx, spaceID)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown space", schema.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if space.SyncServerID != claims.ServerID {
		return nil, fmt.Errorf("%w: space is bound to another sync server", schema.ErrUnauthorized)
	}

	active, err := s.db.GrantActive(ctx, spaceID, claims.ServerID, HashToken(token))
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, fmt.Errorf("%w: access grant revoked or unknown", schema.ErrUnauthorized)
	}
	return claims, nil
}

// txFailure wraps driver errors raised inside a transaction.
func txFailure(err error) error {
	for _, known := range []error{
		schema.ErrInvalidArgument, schema.ErrPreconditionFailed, schema.ErrTransactionFailure,
		schema.ErrNotFound, schema.ErrUnauthorized,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", schema.ErrTransactionFailure, err)
}
