package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"billing-pipeline/domain"
)

type stubHistoryReader struct {
	listHistoryFn func(ctx context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error)
}

func (s *stubHistoryReader) ListHistory(ctx context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error) {
	if s.listHistoryFn == nil {
		return nil, 0, errors.New("unexpected ListHistory call")
	}
	return s.listHistoryFn(ctx, entityType, entityID, limit, offset)
}

func newCacheRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListHistoryMissThenHit(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expected := []domain.ChangeHistoryRecord{{
		ID:                41,
		EntityType:        domain.EntityCampaign,
		EntityID:          7,
		NewValue:          map[string]any{"name": "Spring"},
		ChangedByUserID:   "u1",
		ChangedByUsername: "alice",
		CreatedAt:         created,
	}}

	var calls int
	cache := NewCache(&stubHistoryReader{
		listHistoryFn: func(_ context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error) {
			calls++
			if entityType != domain.EntityCampaign || entityID != 7 || limit != 50 || offset != 0 {
				t.Fatalf("unexpected query: %s %d %d %d", entityType, entityID, limit, offset)
			}
			return append([]domain.ChangeHistoryRecord(nil), expected...), 1, nil
		},
	}, client, time.Minute)

	records, total, err := cache.ListHistory(ctx, domain.EntityCampaign, 7, 50, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if total != 1 || !reflect.DeepEqual(records, expected) {
		t.Fatalf("unexpected page: total=%d records=%#v", total, records)
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	key := historyCacheKey(domain.EntityCampaign, 7, 50, 0)
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, cachedTotal, err := cache.ListHistory(ctx, domain.EntityCampaign, 7, 50, 0)
	if err != nil {
		t.Fatalf("cached list: %v", err)
	}
	if cachedTotal != 1 || !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached page: total=%d records=%#v", cachedTotal, cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheListHistoryKeyedByPage(t *testing.T) {
	_, client := newCacheRedis(t)

	ctx := context.Background()
	var calls int
	cache := NewCache(&stubHistoryReader{
		listHistoryFn: func(_ context.Context, _ string, _ int64, _, offset int) ([]domain.ChangeHistoryRecord, int, error) {
			calls++
			return nil, offset, nil
		},
	}, client, time.Minute)

	if _, total, err := cache.ListHistory(ctx, domain.EntityComment, 1, 10, 0); err != nil || total != 0 {
		t.Fatalf("first page: total=%d err=%v", total, err)
	}
	if _, total, err := cache.ListHistory(ctx, domain.EntityComment, 1, 10, 10); err != nil || total != 10 {
		t.Fatalf("second page: total=%d err=%v", total, err)
	}
	if calls != 2 {
		t.Fatalf("distinct pages must hit the backend separately, calls=%d", calls)
	}
}

func TestCacheListHistoryCorruptEntryRefetches(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	key := historyCacheKey(domain.EntityLineItem, 3, 50, 0)
	if err := client.Set(ctx, key, []byte("{not json"), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	var calls int
	cache := NewCache(&stubHistoryReader{
		listHistoryFn: func(context.Context, string, int64, int, int) ([]domain.ChangeHistoryRecord, int, error) {
			calls++
			return []domain.ChangeHistoryRecord{}, 0, nil
		},
	}, client, time.Minute)

	if _, _, err := cache.ListHistory(ctx, domain.EntityLineItem, 3, 50, 0); err != nil {
		t.Fatalf("list history: %v", err)
	}
	if calls != 1 {
		t.Fatalf("corrupt entry should fall through to backend, calls=%d", calls)
	}
	if got, _ := mr.Get(key); got == "{not json" {
		t.Fatalf("corrupt entry should have been replaced")
	}
}

func TestCacheListHistoryWithoutRedisPassesThrough(t *testing.T) {
	ctx := context.Background()
	var calls int
	cache := NewCache(&stubHistoryReader{
		listHistoryFn: func(context.Context, string, int64, int, int) ([]domain.ChangeHistoryRecord, int, error) {
			calls++
			return nil, 0, nil
		},
	}, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, _, err := cache.ListHistory(ctx, domain.EntityInvoiceLineItem, 9, 50, 0); err != nil {
			t.Fatalf("list history: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("nil redis must always hit the backend, calls=%d", calls)
	}
}

func TestCacheListHistoryBackendErrorNotCached(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	cache := NewCache(&stubHistoryReader{
		listHistoryFn: func(context.Context, string, int64, int, int) ([]domain.ChangeHistoryRecord, int, error) {
			return nil, 0, errors.New("boom")
		},
	}, client, time.Minute)

	if _, _, err := cache.ListHistory(ctx, domain.EntityCampaign, 2, 50, 0); err == nil {
		t.Fatal("expected backend error")
	}
	if mr.Exists(historyCacheKey(domain.EntityCampaign, 2, 50, 0)) {
		t.Fatal("errors must not be cached")
	}
}
