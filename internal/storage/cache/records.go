package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// CachedRecordStore caches UnreadCount per user. Reads other than the count
// go straight to the wrapped store.
type CachedRecordStore struct {
	dispatch.RecordStore
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

var _ dispatch.RecordStore = (*CachedRecordStore)(nil)

func NewCachedRecordStore(realStore dispatch.RecordStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedRecordStore {
	return &CachedRecordStore{
		RecordStore: realStore,
		cache:       cache,
		ttl:         ttl,
		logger:      logger.With("component", "CachedRecordStore"),
	}
}

func (s *CachedRecordStore) UnreadCount(ctx context.Context, user urn.URN) (int, error) {
	key := unreadKey(user)

	var cached int
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	count, err := s.RecordStore.UnreadCount(ctx, user)
	if err != nil {
		return 0, err
	}
	_ = s.cache.Set(ctx, key, count, s.ttl)
	return count, nil
}

// Create never fails on a cache error: the record is already durable.
func (s *CachedRecordStore) Create(ctx context.Context, record notification.Record) (notification.Record, error) {
	created, err := s.RecordStore.Create(ctx, record)
	if err != nil {
		return created, err
	}
	s.invalidate(ctx, record.UserID)
	return created, nil
}

func (s *CachedRecordStore) MarkRead(ctx context.Context, user urn.URN, id string) error {
	if err := s.RecordStore.MarkRead(ctx, user, id); err != nil {
		return err
	}
	s.invalidate(ctx, user)
	return nil
}

func (s *CachedRecordStore) MarkAllRead(ctx context.Context, user urn.URN) (int, error) {
	n, err := s.RecordStore.MarkAllRead(ctx, user)
	s.invalidate(ctx, user)
	return n, err
}

func (s *CachedRecordStore) Delete(ctx context.Context, user urn.URN, id string) error {
	if err := s.RecordStore.Delete(ctx, user, id); err != nil {
		return err
	}
	s.invalidate(ctx, user)
	return nil
}

func (s *CachedRecordStore) DeleteAll(ctx context.Context, user urn.URN) (int, error) {
	n, err := s.RecordStore.DeleteAll(ctx, user)
	s.invalidate(ctx, user)
	return n, err
}

func (s *CachedRecordStore) invalidate(ctx context.Context, user urn.URN) {
	if err := s.cache.Del(ctx, unreadKey(user)); err != nil {
		s.logger.Warn("Failed to invalidate unread count", "user", user.String(), "err", err)
	}
}

func unreadKey(user urn.URN) string {
	return fmt.Sprintf("notify:unread:%s", user.String())
}
