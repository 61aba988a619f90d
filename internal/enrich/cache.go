package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gustycube/osintd/internal/types"
)

// Entry is one cached provider payload. Entries outlive ExpiresAt so a
// failed refresh can fall back to the last good answer.
type Entry struct {
	Data      map[string]string `json:"data"`
	FetchedAt time.Time         `json:"fetched_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Cache stores provider results between lookups.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// CacheKey identifies one provider result for one entity.
func CacheKey(provider string, t types.EntityType, value string) string {
	return provider + "|" + string(t) + "|" + value
}

// MemoryCache is a bounded LRU. Expired entries stay until evicted.
type MemoryCache struct {
	lru *lru.Cache[string, Entry]
}

// NewMemoryCache returns an in-process LRU cache of size entries.
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, Entry](size)
	return &MemoryCache{lru: c}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := m.lru.Get(key)
	return e, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, e Entry) error {
	m.lru.Add(key, e)
	return nil
}

// staleFactor is how many TTLs a Redis entry is retained for stale reads.
const staleFactor = 4

// RedisCache shares enrichment results between processes.
type RedisCache struct {
	cli    redis.UniversalClient
	prefix string
}

// NewRedisCache returns a cache shared through Redis.
func NewRedisCache(cli redis.UniversalClient) *RedisCache {
	return &RedisCache{cli: cli, prefix: "osintd:enrich:"}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.cli.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := e.ExpiresAt.Sub(e.FetchedAt) * staleFactor
	if ttl <= 0 {
		ttl = time.Hour
	}
	return r.cli.Set(ctx, r.prefix+key, raw, ttl).Err()
}
