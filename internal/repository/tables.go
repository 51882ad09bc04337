package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/floor-core/internal/domain"
)

type TableRepository struct {
	db *sql.DB
}

const tableColumns = `tenant_id, id, label, area, seats, status, updated_at`

// Upsert seeds or replaces a table of the roster.
func (r *TableRepository) Upsert(ctx context.Context, tx *sql.Tx, t *domain.Table) error {
	query := `INSERT INTO dining_tables (` + tableColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			label = excluded.label, area = excluded.area, seats = excluded.seats,
			status = excluded.status, updated_at = excluded.updated_at`

	_, err := pick(r.db, tx).ExecContext(ctx, query,
		t.TenantID, t.ID, t.Label, t.Area, t.Seats, string(t.Status), toNanos(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert table %s: %w", t.ID, err)
	}
	return nil
}

func (r *TableRepository) FindByID(ctx context.Context, tx *sql.Tx, tenantID, id string) (*domain.Table, error) {
	query := `SELECT ` + tableColumns + ` FROM dining_tables WHERE tenant_id = $1 AND id = $2`

	t, err := scanTable(pick(r.db, tx).QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find table %s: %w", id, err)
	}
	return t, nil
}

func (r *TableRepository) List(ctx context.Context, tenantID string) ([]*domain.Table, error) {
	query := `SELECT ` + tableColumns + ` FROM dining_tables WHERE tenant_id = $1 ORDER BY label ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make([]*domain.Table, 0)
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

// SetStatus reports whether the status actually changed.
func (r *TableRepository) SetStatus(ctx context.Context, tx *sql.Tx, tenantID, id string, status domain.TableStatus, at time.Time) (bool, error) {
	query := `UPDATE dining_tables SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status <> $1`

	res, err := pick(r.db, tx).ExecContext(ctx, query, string(status), toNanos(at), tenantID, id)
	if err != nil {
		return false, fmt.Errorf("set table %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set table %s status: %w", id, err)
	}
	return n == 1, nil
}

func scanTable(row scanner) (*domain.Table, error) {
	var (
		t         domain.Table
		status    string
		updatedAt int64
	)
	if err := row.Scan(&t.TenantID, &t.ID, &t.Label, &t.Area, &t.Seats, &status, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TableStatus(status)
	t.UpdatedAt = fromNanos(updatedAt)
	return &t, nil
}
