package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"billing-pipeline/domain"
)

type historyReader interface {
	ListHistory(ctx context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error)
}

// Cache wraps a Storage instance with Redis-backed caching for history
// pages. History is append-only and written by a separate process, so
// entries expire by TTL rather than by eviction; a short TTL bounds how
// stale a page can be.
type Cache struct {
	*Storage
	base  historyReader
	redis *redis.Client
	ttl   time.Duration
}

type historyPage struct {
	Records []domain.ChangeHistoryRecord `json:"records"`
	Total   int                          `json:"total"`
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base historyReader, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) ListHistory(ctx context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error) {
	key := historyCacheKey(entityType, entityID, limit, offset)
	if page, ok := c.loadFromCache(ctx, key); ok {
		return page.Records, page.Total, nil
	}

	records, total, err := c.base.ListHistory(ctx, entityType, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	c.store(ctx, key, historyPage{Records: records, Total: total})
	return records, total, nil
}

func (c *Cache) loadFromCache(ctx context.Context, key string) (historyPage, bool) {
	if c.redis == nil {
		return historyPage{}, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return historyPage{}, false
	}
	var page historyPage
	if err := json.Unmarshal(data, &page); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return historyPage{}, false
	}
	return page, true
}

func (c *Cache) store(ctx context.Context, key string, page historyPage) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(page)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func historyCacheKey(entityType string, entityID int64, limit, offset int) string {
	return fmt.Sprintf("history:%s:%d:%d:%d", entityType, entityID, limit, offset)
}
