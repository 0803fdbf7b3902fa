package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper is the fast-path guard against reprocessing a redelivered job. It
// is advisory only: the storage-level dedup marker stays authoritative, so a
// lost Redis key can cost a redundant storage round trip but never a
// duplicate audit record.
type Deduper interface {
	// Claim records the key and returns true when it was newly recorded.
	Claim(ctx context.Context, key string) (bool, error)
	// Release deletes a claimed key so the job may be retried.
	Release(ctx context.Context, key string) error
}

// RedisDeduper stores processed dedup keys in Redis with a TTL so every
// worker instance shares the same view.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(key string) string {
	return "changeevt:" + key
}

func (r *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

func (r *RedisDeduper) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
