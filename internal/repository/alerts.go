package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/floor-core/internal/domain"
)

type AlertRepository struct {
	db *sql.DB
}

const alertColumns = `id, tenant_id, table_id, kind, message, status, created_at, acknowledged_at, acknowledged_by`

func (r *AlertRepository) Insert(ctx context.Context, a *domain.Alert) error {
	query := `INSERT INTO alerts (` + alertColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.TenantID, a.TableID, a.Kind, a.Message, string(a.Status), toNanos(a.CreatedAt),
		nullNanos(a.AcknowledgedAt), a.AcknowledgedBy)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// Acknowledge reports false when the alert was already acknowledged.
func (r *AlertRepository) Acknowledge(ctx context.Context, tenantID, id, by string, at time.Time) (bool, error) {
	query := `UPDATE alerts SET status = $1, acknowledged_at = $2, acknowledged_by = $3
		WHERE tenant_id = $4 AND id = $5 AND status = $6`

	res, err := r.db.ExecContext(ctx, query,
		string(domain.AlertAcknowledged), toNanos(at), by, tenantID, id, string(domain.AlertActive))
	if err != nil {
		return false, fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *AlertRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1 AND id = $2`

	a, err := scanAlert(r.db.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find alert %s: %w", id, err)
	}
	return a, nil
}

func (r *AlertRepository) ListActive(ctx context.Context, tenantID string) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE tenant_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, tenantID, string(domain.AlertActive))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*domain.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(row scanner) (*domain.Alert, error) {
	var (
		a         domain.Alert
		status    string
		createdAt int64
		ackAt     sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.TableID, &a.Kind, &a.Message, &status, &createdAt, &ackAt, &a.AcknowledgedBy); err != nil {
		return nil, err
	}
	a.Status = domain.AlertStatus(status)
	a.CreatedAt = fromNanos(createdAt)
	a.AcknowledgedAt = timePtr(ackAt)
	return &a, nil
}
