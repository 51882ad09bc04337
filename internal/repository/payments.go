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

// ErrActivePayment is returned by Reserve when the order already holds a
// pending payment.
var ErrActivePayment = errors.New("order already has an active payment")

type PaymentFilter struct {
	TenantID string
	OrderID  string
	Status   domain.PaymentStatus
	Provider string
	Sort     string
	Limit    int
	Offset   int
}

type PaymentCounts struct {
	Total          int
	ByStatus       map[domain.PaymentStatus]int
	TotalAmount    int64
	ApprovedAmount int64
}

type PaymentRepository struct {
	db *sql.DB
}

const paymentColumns = `id, tenant_id, order_id, provider, external_reference, checkout_url, amount, currency,
	status, metadata, provider_payload, failure_reason, expires_at, created_at, updated_at, resolved_at`

// Reserve inserts a pending payment. The partial unique index on pending
// rows makes this the compare-and-set for the order's payment slot.
func (r *PaymentRepository) Reserve(ctx context.Context, tx *sql.Tx, p *domain.Payment) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal payment metadata: %w", err)
	}
	if p.Metadata == nil {
		metadata = []byte("{}")
	}

	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = pick(r.db, tx).ExecContext(ctx, query,
		p.ID, p.TenantID, p.OrderID, p.Provider, p.ExternalReference, p.CheckoutURL, p.Amount, p.Currency,
		string(p.Status), string(metadata), string(p.ProviderPayload), p.FailureReason,
		nullNanos(p.ExpiresAt), toNanos(p.CreatedAt), toNanos(p.UpdatedAt), nullNanos(p.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("reserve payment for order %s: %w", p.OrderID, ErrActivePayment)
		}
		return fmt.Errorf("reserve payment for order %s: %w", p.OrderID, err)
	}
	return nil
}

// Release drops a reservation that never reached the provider.
func (r *PaymentRepository) Release(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	query := `DELETE FROM payments WHERE tenant_id = $1 AND id = $2 AND status = $3 AND external_reference = ''`
	if _, err := pick(r.db, tx).ExecContext(ctx, query, tenantID, id, string(domain.PaymentPending)); err != nil {
		return fmt.Errorf("release payment %s: %w", id, err)
	}
	return nil
}

// AttachCheckout stores the provider's handle on a reserved payment.
func (r *PaymentRepository) AttachCheckout(ctx context.Context, tx *sql.Tx, p *domain.Payment) error {
	query := `UPDATE payments SET external_reference = $1, checkout_url = $2, expires_at = $3,
			provider_payload = $4, updated_at = $5
		WHERE tenant_id = $6 AND id = $7 AND status = $8`

	res, err := pick(r.db, tx).ExecContext(ctx, query,
		p.ExternalReference, p.CheckoutURL, nullNanos(p.ExpiresAt), string(p.ProviderPayload), toNanos(p.UpdatedAt),
		p.TenantID, p.ID, string(domain.PaymentPending),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("attach checkout %s: %w", p.ExternalReference, ErrDuplicate)
		}
		return fmt.Errorf("attach checkout to payment %s: %w", p.ID, err)
	}
	return expectOne(res, p.ID)
}

// Resolve moves a pending payment to a terminal status. The bool is false
// when the payment was no longer pending.
func (r *PaymentRepository) Resolve(ctx context.Context, tx *sql.Tx, id string, status domain.PaymentStatus, payload json.RawMessage, reason string, at time.Time) (bool, error) {
	query := `UPDATE payments SET status = $1, provider_payload = $2, failure_reason = $3, updated_at = $4, resolved_at = $4
		WHERE id = $5 AND status = $6`

	res, err := pick(r.db, tx).ExecContext(ctx, query,
		string(status), string(payload), reason, toNanos(at), id, string(domain.PaymentPending))
	if err != nil {
		return false, fmt.Errorf("resolve payment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve payment %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, tx *sql.Tx, tenantID, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1 AND id = $2`
	return r.findOne(ctx, tx, query, id, tenantID, id)
}

// FindByExternalReference is tenant-agnostic: provider callbacks only carry the reference.
func (r *PaymentRepository) FindByExternalReference(ctx context.Context, tx *sql.Tx, ref string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_reference = $1`
	return r.findOne(ctx, tx, query, ref, ref)
}

func (r *PaymentRepository) findOne(ctx context.Context, tx *sql.Tx, query, label string, args ...any) (*domain.Payment, error) {
	p, err := scanPayment(pick(r.db, tx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment %s: %w", label, err)
	}
	return p, nil
}

func (r *PaymentRepository) HasPending(ctx context.Context, tx *sql.Tx, tenantID, orderID string) (bool, error) {
	query := `SELECT COUNT(*) FROM payments WHERE tenant_id = $1 AND order_id = $2 AND status = $3`

	var n int
	if err := pick(r.db, tx).QueryRowContext(ctx, query, tenantID, orderID, string(domain.PaymentPending)).Scan(&n); err != nil {
		return false, fmt.Errorf("check active payment for order %s: %w", orderID, err)
	}
	return n > 0, nil
}

// ListExpired returns pending payments whose checkout expired before now.
func (r *PaymentRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at ASC LIMIT $3`
	return r.query(ctx, query, string(domain.PaymentPending), toNanos(now), clampLimit(limit))
}

// ListPending returns pending payments of one provider that already carry a reference.
func (r *PaymentRepository) ListPending(ctx context.Context, provider string, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = $1 AND provider = $2 AND external_reference <> ''
		ORDER BY created_at ASC LIMIT $3`
	return r.query(ctx, query, string(domain.PaymentPending), provider, clampLimit(limit))
}

// ListUnattached returns reservations created before cutoff that never got a
// provider reference.
func (r *PaymentRepository) ListUnattached(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = $1 AND external_reference = '' AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`
	return r.query(ctx, query, string(domain.PaymentPending), toNanos(cutoff), clampLimit(limit))
}

func (r *PaymentRepository) List(ctx context.Context, f PaymentFilter) ([]*domain.Payment, error) {
	where := paymentConditions(f)

	order := ` ORDER BY created_at DESC, id DESC`
	if f.Sort == SortOldest {
		order = ` ORDER BY created_at ASC, id ASC`
	}
	limitAt := where.next()
	query := `SELECT ` + paymentColumns + ` FROM payments` + where.String() + order +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, limitAt, limitAt+1)

	return r.query(ctx, query, append(where.args, clampLimit(f.Limit), max(f.Offset, 0))...)
}

func (r *PaymentRepository) Counts(ctx context.Context, f PaymentFilter) (PaymentCounts, error) {
	where := paymentConditions(f)
	query := `SELECT status, COUNT(*), COALESCE(SUM(amount), 0) FROM payments` + where.String() + ` GROUP BY status`

	counts := PaymentCounts{ByStatus: make(map[domain.PaymentStatus]int)}

	rows, err := r.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return counts, fmt.Errorf("count payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
			amount int64
		)
		if err := rows.Scan(&status, &n, &amount); err != nil {
			return counts, fmt.Errorf("scan payment counts: %w", err)
		}
		counts.Total += n
		counts.ByStatus[domain.PaymentStatus(status)] += n
		counts.TotalAmount += amount
		if domain.PaymentStatus(status) == domain.PaymentApproved {
			counts.ApprovedAmount += amount
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("count payments: %w", err)
	}
	return counts, nil
}

func (r *PaymentRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	return payments, nil
}

func paymentConditions(f PaymentFilter) *conditions {
	c := &conditions{}
	c.add("tenant_id = $%d", f.TenantID)
	if f.OrderID != "" {
		c.add("order_id = $%d", f.OrderID)
	}
	if f.Status != "" {
		c.add("status = $%d", string(f.Status))
	}
	if f.Provider != "" {
		c.add("provider = $%d", f.Provider)
	}
	return c
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var (
		p                    domain.Payment
		status               string
		metadata, payload    string
		expiresAt, resolved  sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.OrderID, &p.Provider, &p.ExternalReference, &p.CheckoutURL, &p.Amount, &p.Currency,
		&status, &metadata, &payload, &p.FailureReason, &expiresAt, &createdAt, &updatedAt, &resolved,
	)
	if err != nil {
		return nil, err
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of payment %s: %w", p.ID, err)
		}
	}
	if payload != "" {
		p.ProviderPayload = json.RawMessage(payload)
	}
	p.Status = domain.PaymentStatus(status)
	p.ExpiresAt = timePtr(expiresAt)
	p.ResolvedAt = timePtr(resolved)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}
