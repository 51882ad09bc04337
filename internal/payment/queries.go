package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/repository"
)

type Filter struct {
	OrderID  string               `json:"orderId,omitempty"`
	Status   domain.PaymentStatus `json:"status,omitempty"`
	Provider string               `json:"provider,omitempty"`
	Sort     string               `json:"sort,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// Summary mirrors the order summary for dashboards. CancellationRate and
// ErrorRate share a formula for now: non-approved final payments over all
// final payments.
type Summary struct {
	Total            int                          `json:"total"`
	ByStatus         map[domain.PaymentStatus]int `json:"byStatus"`
	Active           int                          `json:"active"`
	TotalAmount      int64                        `json:"totalAmount"`
	ApprovedAmount   int64                        `json:"approvedAmount"`
	ApprovalRate     float64                      `json:"approvalRate"`
	CancellationRate float64                      `json:"cancellationRate"`
	ErrorRate        float64                      `json:"errorRate"`
}

func (c *Coordinator) ListPayments(ctx context.Context, tenantID string, f Filter) ([]*domain.Payment, error) {
	rf, err := f.toRepository(tenantID)
	if err != nil {
		return nil, err
	}
	payments, err := c.store.Payments.List(ctx, rf)
	if err != nil {
		return nil, apperr.Transient("storage_unavailable", err)
	}
	return payments, nil
}

func (c *Coordinator) GetSummary(ctx context.Context, tenantID string, f Filter) (Summary, error) {
	rf, err := f.toRepository(tenantID)
	if err != nil {
		return Summary{}, err
	}
	counts, err := c.store.Payments.Counts(ctx, rf)
	if err != nil {
		return Summary{}, apperr.Transient("storage_unavailable", err)
	}

	s := Summary{
		Total:          counts.Total,
		ByStatus:       counts.ByStatus,
		Active:         counts.ByStatus[domain.PaymentPending],
		TotalAmount:    counts.TotalAmount,
		ApprovedAmount: counts.ApprovedAmount,
	}
	final := counts.Total - s.Active
	approved := counts.ByStatus[domain.PaymentApproved]
	s.ApprovalRate = rate(approved, final)
	s.CancellationRate = rate(final-approved, final)
	s.ErrorRate = rate(final-approved, final)
	return s, nil
}

func rate(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(of))).Round(4).InexactFloat64()
}

func (f Filter) toRepository(tenantID string) (repository.PaymentFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return repository.PaymentFilter{}, apperr.Validation("invalid_field", "status", fmt.Sprintf("unknown payment status %q", f.Status))
	}
	switch f.Sort {
	case "", repository.SortNewest, repository.SortOldest:
	default:
		return repository.PaymentFilter{}, apperr.Validation("invalid_field", "sort", "must be one of [newest oldest]")
	}
	return repository.PaymentFilter{
		TenantID: tenantID,
		OrderID:  f.OrderID,
		Status:   f.Status,
		Provider: f.Provider,
		Sort:     f.Sort,
		Limit:    f.Limit,
		Offset:   f.Offset,
	}, nil
}
