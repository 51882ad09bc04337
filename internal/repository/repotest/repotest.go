// Package repotest builds migrated in-memory stores for tests.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/repository"
)

// NewStore opens a private in-memory SQLite database with the schema applied.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: repository.DriverSQLite,
		DSN:    fmt.Sprintf("file:memdb-%s?mode=memory&cache=shared", uuid.NewString()),
	}
	db, err := repository.Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, repository.RunMigrations(db, repository.DriverSQLite))

	t.Cleanup(func() { _ = db.Close() })
	return repository.NewStore(db)
}

// SeedTable inserts a free table.
func SeedTable(t testing.TB, s *repository.Store, tenantID, tableID string) *domain.Table {
	t.Helper()
	table := &domain.Table{
		ID:        tableID,
		TenantID:  tenantID,
		Label:     "Mesa " + tableID,
		Seats:     4,
		Status:    domain.TableFree,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Tables.Upsert(context.Background(), nil, table))
	return table
}

// SeedMenuItem inserts an available menu item.
func SeedMenuItem(t testing.TB, s *repository.Store, tenantID, id, name string, price int64) *domain.MenuItem {
	t.Helper()
	item := &domain.MenuItem{ID: id, TenantID: tenantID, Name: name, Price: price, Available: true}
	require.NoError(t, s.Menu.Upsert(context.Background(), nil, item))
	return item
}

// SeedOrder inserts a priced order in the given status.
func SeedOrder(t testing.TB, s *repository.Store, tenantID, tableID string, status domain.OrderStatus) *domain.Order {
	t.Helper()
	now := time.Now().UTC()
	o := &domain.Order{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		TableID:       tableID,
		Items:         []domain.OrderItem{{ID: uuid.NewString(), MenuItemID: "burger", Name: "Burger", UnitPrice: 1800, Quantity: 2, AddedAt: now}},
		Status:        status,
		PaymentStatus: domain.OrderPaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Reprice()
	require.NoError(t, s.Orders.Insert(context.Background(), nil, o))
	return o
}
