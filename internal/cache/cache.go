// Package cache holds Redis-backed read-through caches.
package cache

import (
	"context"
	"errors"

	"github.com/tableside/floor-core/internal/domain"
)

type MenuCache interface {
	Get(ctx context.Context, tenantID, itemID string) (*domain.MenuItem, error)
	Set(ctx context.Context, item *domain.MenuItem) error
	Delete(ctx context.Context, tenantID, itemID string) error
}

var ErrCacheMiss = errors.New("cache miss")
