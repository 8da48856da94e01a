package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/graphnote/graphnote/internal/schema"
)

// AccessClaims are carried by a sync server access token. The subject is
// the user id.
type AccessClaims struct {
	SpaceID  string `json:"space"`
	ServerID string `json:"srv"`
	jwt.RegisteredClaims
}

// MintAccessToken signs an access token for userID on spaceID with the sync
// server's own secret.
func MintAccessToken(server *schema.SyncServer, userID, spaceID string, now time.Time) (string, error) {
	if server.Token == "" {
		return "", fmt.Errorf("%w: sync server %s has no signing secret", schema.ErrPreconditionFailed, server.ID)
	}
	claims := AccessClaims{
		SpaceID:  spaceID,
		ServerID: server.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(server.Token))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// SecretLookup returns the signing secret of a sync server.
type SecretLookup func(serverID string) (string, error)

// VerifyAccessToken checks the token's signature against the secret of the
// server named in its claims.
func VerifyAccessToken(token string, lookup SecretLookup) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*AccessClaims)
		if !ok || c.ServerID == "" {
			return nil, fmt.Errorf("token names no sync server")
		}
		secret, err := lookup(c.ServerID)
		if err != nil {
			return nil, err
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrUnauthorized, err)
	}
	if claims.Subject == "" || claims.SpaceID == "" {
		return nil, fmt.Errorf("%w: token is missing subject or space", schema.ErrUnauthorized)
	}
	return claims, nil
}

// HashToken returns the hex SHA-256 of a token, as stored in access grants.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
