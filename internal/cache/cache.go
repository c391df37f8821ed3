// Package cache provides a short-lived read cache for assessment records.
// Mutating operations invalidate the cached entry before the next read, so
// a stale read is bounded by the TTL and never torn.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veridianops/assessd/internal/domain"
)

const keyPrefix = "assessd:assessment:"

// AssessmentCache caches recently read assessment records.
type AssessmentCache interface {
	// Get returns the cached record and whether it was present.
	Get(ctx context.Context, id string) (*domain.Assessment, bool, error)

	// Set stores a record until the TTL elapses.
	Set(ctx context.Context, a *domain.Assessment) error

	// Invalidate drops the cached entry for an id.
	Invalidate(ctx context.Context, id string) error
}

type redisCache struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed assessment cache.
func NewRedisCache(client *goredis.Client, ttl time.Duration) AssessmentCache {
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, id string) (*domain.Assessment, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: cache get: %w", err)
	}
	a := &domain.Assessment{}
	if err := json.Unmarshal(raw, a); err != nil {
		// A cache entry that fails to parse is dropped, not served.
		_ = c.client.Del(ctx, keyPrefix+id).Err()
		return nil, false, nil
	}
	return a, true, nil
}

func (c *redisCache) Set(ctx context.Context, a *domain.Assessment) error {
	// Credentials carry a json:"-" tag, so the cached payload never holds
	// secret material.
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+a.AssessmentID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: cache set: %w", err)
	}
	return nil
}

func (c *redisCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis: cache invalidate: %w", err)
	}
	return nil
}

type memoryEntry struct {
	value     *domain.Assessment
	expiresAt time.Time
}

// MemoryCache is a TTL map cache used in tests and single-node deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ AssessmentCache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-process assessment cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, id string) (*domain.Assessment, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	cp := *entry.value
	return &cp, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, a *domain.Assessment) error {
	cp := *a
	c.mu.Lock()
	c.entries[a.AssessmentID] = memoryEntry{value: &cp, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}
