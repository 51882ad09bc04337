package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/domain"
)

func setupTestRedis(t *testing.T) (*RedisMenuCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMenuCache(client, 10*time.Minute), mr
}

func TestSetGet_RoundTrip(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()
	item := &domain.MenuItem{ID: "burger", TenantID: "t1", Name: "Burger", Price: 1800, Available: true}

	require.NoError(t, cache.Set(ctx, item))

	got, err := cache.Get(ctx, "t1", "burger")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	ttl := mr.TTL(cacheKey("t1", "burger"))
	assert.GreaterOrEqual(t, ttl, 10*time.Minute)
	assert.Less(t, ttl, 12*time.Minute)
}

func TestGet_CacheMiss(t *testing.T) {
	cache, _ := setupTestRedis(t)

	got, err := cache.Get(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Nil(t, got)
}

func TestGet_TenantIsolation(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, &domain.MenuItem{ID: "burger", TenantID: "t1", Price: 1}))

	_, err := cache.Get(ctx, "t2", "burger")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGet_InvalidJSON(t *testing.T) {
	cache, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(cacheKey("t1", "bad"), "{not json"))

	_, err := cache.Get(context.Background(), "t1", "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestDelete(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, &domain.MenuItem{ID: "burger", TenantID: "t1"}))

	require.NoError(t, cache.Delete(ctx, "t1", "burger"))
	assert.False(t, mr.Exists(cacheKey("t1", "burger")))
}

func TestGet_RedisDown(t *testing.T) {
	cache, mr := setupTestRedis(t)
	mr.Close()

	_, err := cache.Get(context.Background(), "t1", "burger")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}
