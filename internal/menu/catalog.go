// Package menu resolves menu items to their current price and availability.
package menu

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/cache"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/repository"
)

var ErrItemNotFound = apperr.NotFound("menu_item_not_found", "menu item not found")

type Catalog interface {
	Resolve(ctx context.Context, tenantID, itemID string) (*domain.MenuItem, error)
	List(ctx context.Context, tenantID string) ([]*domain.MenuItem, error)
}

// SQLCatalog reads menu_items directly.
type SQLCatalog struct {
	repo *repository.MenuRepository
}

func NewSQLCatalog(repo *repository.MenuRepository) *SQLCatalog {
	return &SQLCatalog{repo: repo}
}

func (c *SQLCatalog) Resolve(ctx context.Context, tenantID, itemID string) (*domain.MenuItem, error) {
	item, err := c.repo.FindByID(ctx, tenantID, itemID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrItemNotFound.WithMessage("menu item %q not found", itemID)
	}
	if err != nil {
		return nil, apperr.Transient("menu_unavailable", err)
	}
	return item, nil
}

func (c *SQLCatalog) List(ctx context.Context, tenantID string) ([]*domain.MenuItem, error) {
	items, err := c.repo.List(ctx, tenantID)
	if err != nil {
		return nil, apperr.Transient("menu_unavailable", err)
	}
	return items, nil
}

// CachedCatalog puts a Redis read-through cache in front of another catalog.
// Concurrent misses for the same item share one lookup.
type CachedCatalog struct {
	next  Catalog
	cache cache.MenuCache
	log   *logrus.Logger
	sfg   singleflight.Group
}

func NewCachedCatalog(next Catalog, c cache.MenuCache, log *logrus.Logger) *CachedCatalog {
	return &CachedCatalog{next: next, cache: c, log: log}
}

func (c *CachedCatalog) Resolve(ctx context.Context, tenantID, itemID string) (*domain.MenuItem, error) {
	v, err, _ := c.sfg.Do(tenantID+"/"+itemID, func() (any, error) {
		item, err := c.cache.Get(ctx, tenantID, itemID)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.log.WithContext(ctx).WithError(err).Warn("menu cache get failed")
		}

		item, err = c.next.Resolve(ctx, tenantID, itemID)
		if err != nil {
			return nil, err
		}

		setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := c.cache.Set(setCtx, item); err != nil {
			c.log.WithContext(ctx).WithError(err).Warn("menu cache set failed")
		}
		return item, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.MenuItem), nil
}

func (c *CachedCatalog) List(ctx context.Context, tenantID string) ([]*domain.MenuItem, error) {
	return c.next.List(ctx, tenantID)
}

// Invalidate drops a cached entry after the item changed upstream.
func (c *CachedCatalog) Invalidate(ctx context.Context, tenantID, itemID string) {
	if err := c.cache.Delete(ctx, tenantID, itemID); err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("menu_item_id", itemID).Warn("menu cache invalidate failed")
	}
}
