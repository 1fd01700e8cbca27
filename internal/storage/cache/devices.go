// Package cache adds Redis read-aside caching in front of the Firestore
// stores. Every write invalidates the affected user's key.
package cache

import (
	"context"
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest or returns an error (ErrMiss when absent).
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedDeviceRegistry is a decorator that adds read-aside caching to a DeviceRegistry.
type CachedDeviceRegistry struct {
	realStore dispatch.DeviceRegistry
	cache     CacheClient
	ttl       time.Duration
}

var _ dispatch.DeviceRegistry = (*CachedDeviceRegistry)(nil)

func NewCachedDeviceRegistry(realStore dispatch.DeviceRegistry, cache CacheClient, ttl time.Duration) *CachedDeviceRegistry {
	return &CachedDeviceRegistry{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedDeviceRegistry) Tokens(ctx context.Context, user urn.URN) ([]string, error) {
	key := tokensKey(user)

	var cached []string
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.Tokens(ctx, user)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a Redis failure still serves from the DB.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedDeviceRegistry) Register(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.Register(ctx, user, token); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

// Unregister must clear the cache even when nothing else changes, so a
// disabled device stops receiving pushes immediately.
func (s *CachedDeviceRegistry) Unregister(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.Unregister(ctx, user, token); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

func (s *CachedDeviceRegistry) InvalidateTokens(ctx context.Context, user urn.URN, tokens []string) error {
	if err := s.realStore.InvalidateTokens(ctx, user, tokens); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

func (s *CachedDeviceRegistry) invalidate(ctx context.Context, user urn.URN) error {
	if err := s.cache.Del(ctx, tokensKey(user)); err != nil {
		return fmt.Errorf("failed to invalidate device cache: %w", err)
	}
	return nil
}

func tokensKey(user urn.URN) string {
	return fmt.Sprintf("notify:tokens:%s", user.String())
}
