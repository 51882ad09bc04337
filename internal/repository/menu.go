package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tableside/floor-core/internal/domain"
)

type MenuRepository struct {
	db *sql.DB
}

func (r *MenuRepository) Upsert(ctx context.Context, tx *sql.Tx, m *domain.MenuItem) error {
	query := `INSERT INTO menu_items (tenant_id, id, name, price, available)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name, price = excluded.price, available = excluded.available`

	if _, err := pick(r.db, tx).ExecContext(ctx, query, m.TenantID, m.ID, m.Name, m.Price, m.Available); err != nil {
		return fmt.Errorf("upsert menu item %s: %w", m.ID, err)
	}
	return nil
}

func (r *MenuRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.MenuItem, error) {
	query := `SELECT tenant_id, id, name, price, available FROM menu_items WHERE tenant_id = $1 AND id = $2`

	var m domain.MenuItem
	err := r.db.QueryRowContext(ctx, query, tenantID, id).Scan(&m.TenantID, &m.ID, &m.Name, &m.Price, &m.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("menu item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find menu item %s: %w", id, err)
	}
	return &m, nil
}

func (r *MenuRepository) List(ctx context.Context, tenantID string) ([]*domain.MenuItem, error) {
	query := `SELECT tenant_id, id, name, price, available FROM menu_items WHERE tenant_id = $1 ORDER BY name ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list menu items: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.MenuItem, 0)
	for rows.Next() {
		var m domain.MenuItem
		if err := rows.Scan(&m.TenantID, &m.ID, &m.Name, &m.Price, &m.Available); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items = append(items, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list menu items: %w", err)
	}
	return items, nil
}
