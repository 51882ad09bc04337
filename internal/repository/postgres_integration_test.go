package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/repository"
)

func setupPostgres(t *testing.T) *repository.Store {
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tableside"),
		postgres.WithUsername("tableside"),
		postgres.WithPassword("tableside"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := repository.Open(ctx, config.DatabaseConfig{
		Driver: repository.DriverPostgres,
		DSN:    fmt.Sprintf("host=%s port=%d user=tableside password=tableside dbname=tableside sslmode=disable", host, port.Int()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, repository.RunMigrations(db, repository.DriverPostgres))
	return repository.NewStore(db)
}

func TestPostgres_PaymentSlotAndClosingGuard(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC()
	o := &domain.Order{
		ID: "order-pg", TenantID: tenant, TableID: "T1",
		Items:         []domain.OrderItem{{ID: "i1", MenuItemID: "burger", UnitPrice: 1800, Quantity: 2}},
		Status:        domain.OrderStatusDelivered,
		PaymentStatus: domain.OrderPaymentPending,
		CreatedAt:     now, UpdatedAt: now,
	}
	o.Reprice()
	require.NoError(t, store.Orders.Insert(ctx, nil, o))

	p := pendingPayment(o.ID)
	require.NoError(t, store.Payments.Reserve(ctx, nil, p))
	assert.ErrorIs(t, store.Payments.Reserve(ctx, nil, pendingPayment(o.ID)), repository.ErrActivePayment)

	changed, err := store.Orders.UpdateStatus(ctx, nil, tenant, o.ID, domain.OrderStatusDelivered, domain.OrderStatusClosed, 2, now, true)
	require.NoError(t, err)
	assert.False(t, changed)

	ok, err := store.Payments.Resolve(ctx, nil, p.ID, domain.PaymentApproved, nil, "", now)
	require.NoError(t, err)
	assert.True(t, ok)

	changed, err = store.Orders.UpdateStatus(ctx, nil, tenant, o.ID, domain.OrderStatusDelivered, domain.OrderStatusClosed, 3, now, true)
	require.NoError(t, err)
	assert.True(t, changed)

	v, err := store.Versions.Bump(ctx, nil, tenant, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	summary, err := store.Orders.Summary(ctx, repository.OrderFilter{TenantID: tenant, Search: "burger"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByStatus[domain.OrderStatusClosed])
}
