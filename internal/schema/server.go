package schema

import (
	"fmt"
	"strings"
	"time"
)

// SyncServerType distinguishes operator-run servers from user-registered ones.
type SyncServerType string

const (
	SyncServerOfficial SyncServerType = "official"
	SyncServerCustom   SyncServerType = "custom"
)

// SyncServer is a remote sync endpoint that spaces can be bound to. Token is
// the secret the server signs access tokens with.
type SyncServer struct {
	ID        string         `json:"id" yaml:"id" toml:"id"`
	Name      string         `json:"name" yaml:"name" toml:"name"`
	Type      SyncServerType `json:"type" yaml:"type" toml:"type"`
	URL       string         `json:"url" yaml:"url" toml:"url"`
	Token     string         `json:"-" yaml:"token" toml:"token"`
	Running   bool           `json:"running" yaml:"running" toml:"running"`
	CreatedAt time.Time      `json:"createdAt" yaml:"createdAt,omitempty" toml:"createdAt,omitempty"`
}

// Validate checks the fields required to register a server.
func (s *SyncServer) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: sync server id is required", ErrInvalidArgument)
	}
	if s.Token == "" {
		return fmt.Errorf("%w: sync server %s has no signing token", ErrInvalidArgument, s.ID)
	}
	switch s.Type {
	case SyncServerOfficial, SyncServerCustom:
	default:
		return fmt.Errorf("%w: sync server %s has unknown type %q", ErrInvalidArgument, s.ID, s.Type)
	}
	return nil
}

// Usable reports whether spaces can be bound to the server.
func (s *SyncServer) Usable() bool {
	return s.Running && strings.TrimSpace(s.URL) != ""
}

// AccessGrant records an access token issued for a space on a sync server.
// Only the token hash is kept.
type AccessGrant struct {
	ID           string     `json:"id"`
	SpaceID      string     `json:"spaceId"`
	UserID       string     `json:"userId"`
	SyncServerID string     `json:"syncServerId"`
	TokenHash    string     `json:"tokenHash"`
	IssuedAt     time.Time  `json:"issuedAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}
