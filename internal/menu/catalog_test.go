package menu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/cache"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/logger"
	"github.com/tableside/floor-core/internal/repository/repotest"
)

type countingCatalog struct {
	calls atomic.Int32
	delay time.Duration
	item  *domain.MenuItem
	err   error
}

func (c *countingCatalog) Resolve(_ context.Context, _, _ string) (*domain.MenuItem, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.item, c.err
}

func (c *countingCatalog) List(context.Context, string) ([]*domain.MenuItem, error) {
	return []*domain.MenuItem{c.item}, nil
}

func newRedisCache(t *testing.T) (*cache.RedisMenuCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisMenuCache(client, time.Minute), mr
}

func TestSQLCatalog_Resolve(t *testing.T) {
	store := repotest.NewStore(t)
	repotest.SeedMenuItem(t, store, "t1", "burger", "Burger", 1800)
	catalog := NewSQLCatalog(store.Menu)

	item, err := catalog.Resolve(context.Background(), "t1", "burger")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), item.Price)
	assert.True(t, item.Available)

	_, err = catalog.Resolve(context.Background(), "t1", "pizza")
	assert.ErrorIs(t, err, ErrItemNotFound)

	items, err := catalog.List(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCachedCatalog_ReadThrough(t *testing.T) {
	redisCache, _ := newRedisCache(t)
	next := &countingCatalog{item: &domain.MenuItem{ID: "burger", TenantID: "t1", Price: 1800, Available: true}}
	catalog := NewCachedCatalog(next, redisCache, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item, err := catalog.Resolve(ctx, "t1", "burger")
		require.NoError(t, err)
		assert.Equal(t, int64(1800), item.Price)
	}
	assert.Equal(t, int32(1), next.calls.Load())

	catalog.Invalidate(ctx, "t1", "burger")
	_, err := catalog.Resolve(ctx, "t1", "burger")
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCachedCatalog_CollapsesConcurrentMisses(t *testing.T) {
	redisCache, _ := newRedisCache(t)
	next := &countingCatalog{
		delay: 50 * time.Millisecond,
		item:  &domain.MenuItem{ID: "burger", TenantID: "t1", Price: 1800, Available: true},
	}
	catalog := NewCachedCatalog(next, redisCache, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := catalog.Resolve(context.Background(), "t1", "burger")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), next.calls.Load())
}

func TestCachedCatalog_RedisDownFallsThrough(t *testing.T) {
	redisCache, mr := newRedisCache(t)
	mr.Close()
	next := &countingCatalog{item: &domain.MenuItem{ID: "burger", TenantID: "t1", Price: 1800}}
	catalog := NewCachedCatalog(next, redisCache, logger.Discard())

	item, err := catalog.Resolve(context.Background(), "t1", "burger")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), item.Price)
}

func TestCachedCatalog_DoesNotCacheErrors(t *testing.T) {
	redisCache, _ := newRedisCache(t)
	next := &countingCatalog{err: errors.New("down")}
	catalog := NewCachedCatalog(next, redisCache, logger.Discard())

	_, err := catalog.Resolve(context.Background(), "t1", "burger")
	assert.Error(t, err)
	_, err = catalog.Resolve(context.Background(), "t1", "burger")
	assert.Error(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}
