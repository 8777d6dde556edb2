package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridoc/veridoc/internal/models"
)

// Cache stores extraction output keyed by (document id, extractor version) so
// re-extraction is skipped on unchanged input. Implementations must allow
// concurrent readers; write coalescing is handled above the cache by the
// orchestrator's singleflight group.
type Cache interface {
	Get(ctx context.Context, documentID, version string) ([]models.ExtractedPage, bool, error)
	Set(ctx context.Context, documentID, version string, pages []models.ExtractedPage) error
}

func cacheKey(documentID, version string) string {
	return fmt.Sprintf("extract:%s:%s", documentID, version)
}

// MemoryCache is the default process-local cache.
type MemoryCache struct {
	mu    sync.RWMutex
	pages map[string][]models.ExtractedPage
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{pages: make(map[string][]models.ExtractedPage)}
}

func (c *MemoryCache) Get(ctx context.Context, documentID, version string) ([]models.ExtractedPage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	pages, ok := c.pages[cacheKey(documentID, version)]
	return pages, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, documentID, version string, pages []models.ExtractedPage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[cacheKey(documentID, version)] = pages
	return nil
}

// RedisCache shares extraction output between instances. Entries expire after
// TTL; a version bump changes the key, so stale entries simply age out.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, documentID, version string) ([]models.ExtractedPage, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(documentID, version)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("extraction cache get: %w", err)
	}
	var pages []models.ExtractedPage
	if err := json.Unmarshal(raw, &pages); err != nil {
		// unreadable entry; treat as miss so the pipeline re-extracts
		return nil, false, nil
	}
	return pages, true, nil
}

func (c *RedisCache) Set(ctx context.Context, documentID, version string, pages []models.ExtractedPage) error {
	raw, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("extraction cache marshal: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(documentID, version), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("extraction cache set: %w", err)
	}
	return nil
}
