package storage

import (
	"context"

	"github.com/leozw/helpdesk-gateway/internal/core"
	"github.com/leozw/helpdesk-gateway/internal/storage/postgres"
	"github.com/leozw/helpdesk-gateway/internal/storage/redis"
)

// Store combines the relational identity store with the redis presence
// cache. Postgres is authoritative; the redis key is a fast, TTL-bound
// presence hint for the other gateway processes.
type Store struct {
	repo  *postgres.Repository
	cache *redis.Client
}

func NewStore(repo *postgres.Repository, cache *redis.Client) *Store {
	return &Store{repo: repo, cache: cache}
}

func (s *Store) GetIdentity(ctx context.Context, tenantID, userID string) (core.Identity, error) {
	return s.repo.GetIdentity(ctx, tenantID, userID)
}

func (s *Store) MarkOnline(ctx context.Context, tenantID, userID string) error {
	if err := s.repo.MarkOnline(ctx, tenantID, userID); err != nil {
		return err
	}
	return s.cache.MarkPresence(ctx, tenantID, userID, true)
}

func (s *Store) MarkOffline(ctx context.Context, tenantID, userID string) error {
	if err := s.repo.MarkOffline(ctx, tenantID, userID); err != nil {
		return err
	}
	return s.cache.MarkPresence(ctx, tenantID, userID, false)
}
