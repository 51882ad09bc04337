package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/floor-core/internal/domain"
)

const (
	SortNewest = "newest"
	SortOldest = "oldest"
)

type OrderFilter struct {
	TenantID      string
	Status        domain.OrderStatus
	PaymentStatus domain.OrderPaymentStatus
	TableID       string
	Search        string
	Sort          string
	Limit         int
	Offset        int
}

type OrderSummary struct {
	Total           int                               `json:"total"`
	ByStatus        map[domain.OrderStatus]int        `json:"byStatus"`
	ByPaymentStatus map[domain.OrderPaymentStatus]int `json:"byPaymentStatus"`
	Oldest          *time.Time                        `json:"oldest,omitempty"`
	Newest          *time.Time                        `json:"newest,omitempty"`
	PendingPayment  int                               `json:"pendingPayment"`
}

type OrderRepository struct {
	db *sql.DB
}

const orderColumns = `id, tenant_id, table_id, session_id, items, discounts, taxes, tip, service_charge,
	subtotal, item_discount_total, discount_total, tax_total, total, status, payment_status,
	version, created_at, updated_at`

func (r *OrderRepository) Insert(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	items, discounts, taxes, err := marshalOrderParts(o)
	if err != nil {
		return err
	}

	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = pick(r.db, tx).ExecContext(ctx, query,
		o.ID, o.TenantID, o.TableID, o.SessionID, items, discounts, taxes, o.Tip, o.ServiceCharge,
		o.Subtotal, o.ItemDiscountTotal, o.DiscountTotal, o.TaxTotal, o.Total, string(o.Status), string(o.PaymentStatus),
		o.Version, toNanos(o.CreatedAt), toNanos(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert order %s: %w", o.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateContents rewrites items and every derived amount. It only applies
// while the order is still in the status the caller read, unpaid, and with no
// pending payment; otherwise ErrConflict.
func (r *OrderRepository) UpdateContents(ctx context.Context, tx *sql.Tx, o *domain.Order, readStatus domain.OrderStatus) error {
	items, discounts, taxes, err := marshalOrderParts(o)
	if err != nil {
		return err
	}

	query := `UPDATE orders SET
			items = $1, discounts = $2, taxes = $3, tip = $4, service_charge = $5,
			subtotal = $6, item_discount_total = $7, discount_total = $8, tax_total = $9, total = $10,
			version = $11, updated_at = $12
		WHERE tenant_id = $13 AND id = $14 AND status = $15 AND payment_status = $16
		AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.tenant_id = orders.tenant_id AND p.order_id = orders.id AND p.status = 'pending')`

	res, err := pick(r.db, tx).ExecContext(ctx, query,
		items, discounts, taxes, o.Tip, o.ServiceCharge,
		o.Subtotal, o.ItemDiscountTotal, o.DiscountTotal, o.TaxTotal, o.Total,
		o.Version, toNanos(o.UpdatedAt),
		o.TenantID, o.ID, string(readStatus), string(domain.OrderPaymentPending),
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update order %s: %w", o.ID, ErrConflict)
	}
	return nil
}

// UpdateStatus moves an order from one status to another. With guardPayment
// the update is refused while a pending payment exists for the order. The
// bool reports whether a row changed.
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, tenantID, id string, from, to domain.OrderStatus, version int64, at time.Time, guardPayment bool) (bool, error) {
	query := `UPDATE orders SET status = $1, version = $2, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND status = $6`
	if guardPayment {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.tenant_id = orders.tenant_id AND p.order_id = orders.id AND p.status = 'pending')`
	}

	res, err := pick(r.db, tx).ExecContext(ctx, query, string(to), version, toNanos(at), tenantID, id, string(from))
	if err != nil {
		return false, fmt.Errorf("update order %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update order %s status: %w", id, err)
	}
	return n == 1, nil
}

// MarkPaid flips payment_status to pagado once. The bool is false when the
// order was already paid.
func (r *OrderRepository) MarkPaid(ctx context.Context, tx *sql.Tx, tenantID, id string, version int64, at time.Time) (bool, error) {
	query := `UPDATE orders SET payment_status = $1, version = $2, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND payment_status <> $1`

	res, err := pick(r.db, tx).ExecContext(ctx, query, string(domain.OrderPaymentPaid), version, toNanos(at), tenantID, id)
	if err != nil {
		return false, fmt.Errorf("mark order %s paid: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark order %s paid: %w", id, err)
	}
	return n == 1, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, tx *sql.Tx, tenantID, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2`

	o, err := scanOrder(pick(r.db, tx).QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", id, err)
	}
	return o, nil
}

// CountOpenAtTable counts non-closed orders seated at a table, ignoring excludeID.
func (r *OrderRepository) CountOpenAtTable(ctx context.Context, tx *sql.Tx, tenantID, tableID, excludeID string) (int, error) {
	query := `SELECT COUNT(*) FROM orders
		WHERE tenant_id = $1 AND table_id = $2 AND status <> $3 AND id <> $4`

	var n int
	err := pick(r.db, tx).QueryRowContext(ctx, query, tenantID, tableID, string(domain.OrderStatusClosed), excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open orders at table %s: %w", tableID, err)
	}
	return n, nil
}

func (r *OrderRepository) List(ctx context.Context, f OrderFilter) ([]*domain.Order, error) {
	where := orderConditions(f)

	order := ` ORDER BY created_at DESC, id DESC`
	if f.Sort == SortOldest {
		order = ` ORDER BY created_at ASC, id ASC`
	}
	limitAt := where.next()
	query := `SELECT ` + orderColumns + ` FROM orders` + where.String() + order +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, limitAt, limitAt+1)
	args := append(where.args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Summary aggregates over the same filter as List without paging.
func (r *OrderRepository) Summary(ctx context.Context, f OrderFilter) (OrderSummary, error) {
	where := orderConditions(f)
	query := `SELECT status, payment_status, COUNT(*), MIN(created_at), MAX(created_at)
		FROM orders` + where.String() + ` GROUP BY status, payment_status`

	summary := OrderSummary{
		ByStatus:        make(map[domain.OrderStatus]int),
		ByPaymentStatus: make(map[domain.OrderPaymentStatus]int),
	}

	rows, err := r.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return summary, fmt.Errorf("summarize orders: %w", err)
	}
	defer rows.Close()

	var oldest, newest int64
	for rows.Next() {
		var (
			status, paymentStatus string
			count                 int
			minAt, maxAt          int64
		)
		if err := rows.Scan(&status, &paymentStatus, &count, &minAt, &maxAt); err != nil {
			return summary, fmt.Errorf("scan order summary: %w", err)
		}
		summary.Total += count
		summary.ByStatus[domain.OrderStatus(status)] += count
		summary.ByPaymentStatus[domain.OrderPaymentStatus(paymentStatus)] += count
		if domain.OrderPaymentStatus(paymentStatus) == domain.OrderPaymentPending {
			summary.PendingPayment += count
		}
		if oldest == 0 || minAt < oldest {
			oldest = minAt
		}
		if maxAt > newest {
			newest = maxAt
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("summarize orders: %w", err)
	}

	if summary.Total > 0 {
		o, n := fromNanos(oldest), fromNanos(newest)
		summary.Oldest, summary.Newest = &o, &n
	}
	return summary, nil
}

func orderConditions(f OrderFilter) *conditions {
	c := &conditions{}
	c.add("tenant_id = $%d", f.TenantID)
	if f.Status != "" {
		c.add("status = $%d", string(f.Status))
	}
	if f.PaymentStatus != "" {
		c.add("payment_status = $%d", string(f.PaymentStatus))
	}
	if f.TableID != "" {
		c.add("table_id = $%d", f.TableID)
	}
	if f.Search != "" {
		c.add("(LOWER(id) LIKE $%d OR LOWER(table_id) LIKE $%d OR LOWER(items) LIKE $%d)", likePattern(f.Search))
	}
	return c
}

func marshalOrderParts(o *domain.Order) (items, discounts, taxes string, err error) {
	parts := []any{o.Items, o.Discounts, o.Taxes}
	out := make([]string, len(parts))
	for i, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			return "", "", "", fmt.Errorf("marshal order %s: %w", o.ID, err)
		}
		if string(b) == "null" {
			b = []byte("[]")
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], nil
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		o                       domain.Order
		items, discounts, taxes string
		status, paymentStatus   string
		createdAt, updatedAt    int64
	)
	err := row.Scan(
		&o.ID, &o.TenantID, &o.TableID, &o.SessionID, &items, &discounts, &taxes, &o.Tip, &o.ServiceCharge,
		&o.Subtotal, &o.ItemDiscountTotal, &o.DiscountTotal, &o.TaxTotal, &o.Total, &status, &paymentStatus,
		&o.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(discounts), &o.Discounts); err != nil {
		return nil, fmt.Errorf("decode discounts of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(taxes), &o.Taxes); err != nil {
		return nil, fmt.Errorf("decode taxes of order %s: %w", o.ID, err)
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.OrderPaymentStatus(paymentStatus)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	return &o, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
