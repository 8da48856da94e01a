package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/graphnote/graphnote/internal/provision"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
)

type claimsKey struct{}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.Health{Status: "ok", Version: remote.ProtocolVersion})
}

// ===== Provisioning API =====

func (s *Server) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateSpaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.svc.CreateSpace(r.Context(), provision.CreateSpaceInput{
		UserID:    req.UserID,
		SpaceData: req.SpaceData,
		Encrypted: req.Encrypted,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, remote.CreateSpaceResponse{
		Space:                 res.Space,
		SyncServerAccessToken: res.AccessToken,
		SyncServerURL:         res.SyncServerURL,
	})
}

func (s *Server) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	spaces, err := s.svc.ListSpaces(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if spaces == nil {
		spaces = []*schema.Space{}
	}
	writeData(w, http.StatusOK, spaces)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.svc.ListRunningServers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if servers == nil {
		servers = []*schema.SyncServer{}
	}
	writeData(w, http.StatusOK, servers)
}

func (s *Server) handleBindServer(w http.ResponseWriter, r *http.Request) {
	var req remote.BindRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.svc.BindSyncServer(r.Context(), req.UserID, chi.URLParam(r, "spaceID"), req.SyncServerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, tokenResponse(grant))
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req remote.TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.svc.IssueAccessToken(r.Context(), req.UserID, chi.URLParam(r, "spaceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, tokenResponse(grant))
}

func tokenResponse(g *provision.Grant) remote.AccessTokenResponse {
	return remote.AccessTokenResponse{
		SyncServerID:          g.SyncServerID,
		SyncServerURL:         g.SyncServerURL,
		SyncServerAccessToken: g.AccessToken,
	}
}

// ===== Sync endpoint =====

// requireAccess admits requests carrying an active access token for the
// space in the URL.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, fmt.Errorf("%w: missing bearer token", schema.ErrUnauthorized))
			return
		}
		spaceID := chi.URLParam(r, "spaceID")
		claims, err := s.svc.Authorize(r.Context(), token, spaceID)
		if err != nil {
			s.logger.Debug("access denied", "space", spaceID, "err", err)
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: after must be unix milliseconds", schema.ErrInvalidArgument))
			return
		}
		after = ms
	}

	spaceID := chi.URLParam(r, "spaceID")
	nodes, err := s.db.PullNodes(r.Context(), spaceID, schema.FromMillis(after))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.NodesResponse{Nodes: nodes})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req remote.PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	spaceID := chi.URLParam(r, "spaceID")
	stored, last, err := s.db.StoreNodes(r.Context(), spaceID, req.Nodes)
	if err != nil {
		writeError(w, err)
		return
	}

	claims, _ := r.Context().Value(claimsKey{}).(*provision.AccessClaims)
	if claims != nil {
		s.logger.Info("nodes pushed", "space", spaceID, "user", claims.Subject, "received", len(req.Nodes), "stored", stored)
	}
	if stored > 0 {
		s.hub.Publish(remote.Event{Type: remote.EventNodesChanged, SpaceID: spaceID, LastUpdatedAt: schema.Millis(last)})
	}
	writeJSON(w, http.StatusOK, remote.PushAck{Accepted: stored, LastUpdatedAt: schema.Millis(last)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	spaceID := chi.URLParam(r, "spaceID")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "space", spaceID, "err", err)
		return
	}

	n := s.hub.add(spaceID, conn)
	s.logger.Debug("subscriber connected", "space", spaceID, "subscribers", n)

	s.wg.Add(1)
	go s.readLoop(spaceID, conn)
}

// readLoop keeps a subscription open until the client goes away. Client
// messages are ignored.
func (s *Server) readLoop(spaceID string, conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.hub.remove(spaceID, conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}
