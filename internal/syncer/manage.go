package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graphnote/graphnote/internal/schema"
)

// SyncAll implements Syncer.
func (s *syncer) SyncAll(ctx context.Context, userID string) ([]*Result, error) {
	spaces, err := s.store.ListSpaces(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(spaces))
	errs := make([]error, len(spaces))

	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, space := range spaces {
		if !space.IsBound() {
			s.logger.Debug("skipping unbound space", "space", space.ID)
			continue
		}
		i, spaceID := i, space.ID
		g.Go(func() error {
			res, err := s.Sync(ctx, spaceID)
			if err != nil {
				s.logger.Error("sync failed", "space", spaceID, "err", err)
				errs[i] = fmt.Errorf("space %s: %w", spaceID, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var out []*Result
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// Bootstrap implements Syncer.
func (s *syncer) Bootstrap(ctx context.Context, userID string) ([]*schema.Space, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", schema.ErrInvalidArgument)
	}

	local, err := s.store.ListSpaces(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 {
		return local, nil
	}
	if s.directory == nil {
		return nil, errNoDirectory
	}

	remoteSpaces, err := s.directory.ListSpaces(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, rs := range remoteSpaces {
		space := *rs
		space.UserID = userID
		space.Password = ""
		space.NodesLastUpdatedAt = time.Time{}
		space.NodesLastPushedAt = time.Time{}

		grant, err := s.directory.IssueAccessToken(ctx, userID, space.ID)
		if err != nil {
			s.logger.Warn("space copied without access token", "space", space.ID, "err", err)
		} else {
			space.SyncServerID = grant.SyncServerID
			space.SyncServerURL = grant.SyncServerURL
			space.SyncServerAccessToken = grant.SyncServerAccessToken
		}

		if err := s.store.CreateSpace(ctx, &space); err != nil {
			return nil, fmt.Errorf("failed to copy space %s: %w", space.ID, err)
		}
		s.logger.Info("bootstrapped space", "space", space.ID, "name", space.Name)
	}

	return s.store.ListSpaces(ctx, userID)
}

// Rebind implements Syncer.
func (s *syncer) Rebind(ctx context.Context, spaceID, serverID string) (*schema.Space, error) {
	if s.directory == nil {
		return nil, errNoDirectory
	}

	defer s.locks.lock(spaceID)()

	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	grant, err := s.directory.BindSyncServer(ctx, space.UserID, spaceID, serverID)
	if err != nil {
		return nil, err
	}
	if grant.SyncServerID == "" {
		grant.SyncServerID = serverID
	}

	var zero time.Time
	patch := schema.SpacePatch{
		SyncServerID:          &grant.SyncServerID,
		SyncServerURL:         &grant.SyncServerURL,
		SyncServerAccessToken: &grant.SyncServerAccessToken,
		NodesLastPushedAt:     &zero,
	}
	if err := s.store.UpdateSpace(ctx, spaceID, patch); err != nil {
		return nil, fmt.Errorf("failed to store new binding for space %s: %w", spaceID, err)
	}

	s.logger.Info("rebound space", "space", spaceID, "server", grant.SyncServerID)
	return s.store.GetSpace(ctx, spaceID)
}
