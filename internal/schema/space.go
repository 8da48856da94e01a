package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReservedSpaceName is the name of the built-in cloud space. User spaces may
// not use it.
const ReservedSpaceName = "GraphNote Cloud"

// ReservedNameMessage is reported when a space is created with ReservedSpaceName.
const ReservedNameMessage = "This is a reserved name. Please choose another one."

// EditorMode selects how a space's pages are edited.
type EditorMode string

const (
	EditorModeOutliner EditorMode = "OUTLINER"
	EditorModeBlock    EditorMode = "BLOCK"
)

// Space is the top-level container of a user's document graph. A space is
// bound to exactly one sync server at a time.
type Space struct {
	// ===== Identity =====
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Subdomain string `json:"subdomain,omitempty"`

	// ===== Presentation =====
	Name       string     `json:"name"`
	Color      string     `json:"color,omitempty"`
	IsActive   bool       `json:"isActive"`
	EditorMode EditorMode `json:"editorMode,omitempty"`

	// ===== Encryption =====
	Encrypted bool   `json:"encrypted"`
	Password  string `json:"-"` // client-side only, never serialized

	// ===== Sync binding =====
	SyncServerID          string `json:"syncServerId,omitempty"`
	SyncServerURL         string `json:"syncServerUrl,omitempty"`
	SyncServerAccessToken string `json:"syncServerAccessToken,omitempty"`

	// ===== Snapshots =====
	ActiveNodeIDs []string        `json:"activeNodeIds,omitempty"`
	NodeSnapshot  json.RawMessage `json:"nodeSnapshot,omitempty"`
	PageSnapshot  json.RawMessage `json:"pageSnapshot,omitempty"`

	// ===== Watermarks =====
	NodesLastUpdatedAt time.Time `json:"nodesLastUpdatedAt"`
	NodesLastPushedAt  time.Time `json:"nodesLastPushedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsReservedName reports whether name collides with ReservedSpaceName.
func IsReservedName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), ReservedSpaceName)
}

// Validate checks the fields every stored space must carry.
func (s *Space) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: space id is required", ErrInvalidArgument)
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: space user id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: space name is required", ErrInvalidArgument)
	}
	if len(s.Name) > 200 {
		return fmt.Errorf("%w: space name must be 200 characters or less (got %d)", ErrInvalidArgument, len(s.Name))
	}
	switch s.EditorMode {
	case "", EditorModeOutliner, EditorModeBlock:
	default:
		return fmt.Errorf("%w: unknown editor mode %q", ErrInvalidArgument, s.EditorMode)
	}
	for _, raw := range []json.RawMessage{s.NodeSnapshot, s.PageSnapshot} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("%w: snapshot is not valid JSON", ErrInvalidArgument)
		}
	}
	return nil
}

// EncryptionEnabled reports whether node payloads must pass through the
// cipher. A space flagged encrypted without a password is synced verbatim.
func (s *Space) EncryptionEnabled() bool {
	return s.Encrypted && s.Password != ""
}

// IsBound reports whether the space has a sync server, url and access token.
func (s *Space) IsBound() bool {
	return s.SyncServerID != "" && s.SyncServerURL != "" && s.SyncServerAccessToken != ""
}

// Binding returns the connection details for the space's sync server.
func (s *Space) Binding() (Binding, error) {
	if !s.IsBound() {
		return Binding{}, fmt.Errorf("%w: space %s is not bound to a sync server", ErrPreconditionFailed, s.ID)
	}
	return Binding{
		SpaceID:     s.ID,
		ServerID:    s.SyncServerID,
		URL:         strings.TrimRight(s.SyncServerURL, "/"),
		AccessToken: s.SyncServerAccessToken,
	}, nil
}

// Binding identifies one space on one sync server.
type Binding struct {
	SpaceID     string
	ServerID    string
	URL         string
	AccessToken string
}

// SpacePatch describes a partial space update. Nil fields are left unchanged.
type SpacePatch struct {
	Name                  *string
	Color                 *string
	IsActive              *bool
	EditorMode            *EditorMode
	Encrypted             *bool
	Password              *string
	SyncServerID          *string
	SyncServerURL         *string
	SyncServerAccessToken *string
	ActiveNodeIDs         []string
	NodesLastUpdatedAt    *time.Time
	NodesLastPushedAt     *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p SpacePatch) IsEmpty() bool {
	return p.Name == nil && p.Color == nil && p.IsActive == nil &&
		p.EditorMode == nil && p.Encrypted == nil && p.Password == nil &&
		p.SyncServerID == nil && p.SyncServerURL == nil &&
		p.SyncServerAccessToken == nil && p.ActiveNodeIDs == nil &&
		p.NodesLastUpdatedAt == nil && p.NodesLastPushedAt == nil
}
