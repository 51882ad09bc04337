package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tableside/floor-core/internal/domain"
)

func NewRedisMenuCache(client redis.UniversalClient, ttl time.Duration) *RedisMenuCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisMenuCache{client: client, baseTTL: ttl}
}

type RedisMenuCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
}

func (r *RedisMenuCache) Get(ctx context.Context, tenantID, itemID string) (*domain.MenuItem, error) {
	data, err := r.client.Get(ctx, cacheKey(tenantID, itemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var item domain.MenuItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal menu item failed: %w", err)
	}
	return &item, nil
}

// Set stores item with the base TTL plus up to a fifth of jitter so entries
// written together do not expire together.
func (r *RedisMenuCache) Set(ctx context.Context, item *domain.MenuItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal menu item failed: %w", err)
	}

	ttl := r.baseTTL
	if spread := int64(r.baseTTL / 5); spread > 0 {
		ttl += time.Duration(rand.Int64N(spread))
	}
	if err := r.client.Set(ctx, cacheKey(item.TenantID, item.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisMenuCache) Delete(ctx context.Context, tenantID, itemID string) error {
	if err := r.client.Del(ctx, cacheKey(tenantID, itemID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(tenantID, itemID string) string {
	return fmt.Sprintf("menu:%s:%s", tenantID, itemID)
}
