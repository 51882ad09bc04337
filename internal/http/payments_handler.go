package http

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
	"github.com/tableside/floor-core/internal/payment"
)

type PaymentsHandler struct {
	payments PaymentService
	log      *logrus.Logger
}

func NewPaymentsHandler(payments PaymentService, log *logrus.Logger) *PaymentsHandler {
	return &PaymentsHandler{payments: payments, log: log}
}

type CreatePaymentResponseDTO struct {
	PaymentID         string               `json:"paymentId"`
	CheckoutURL       string               `json:"checkoutUrl"`
	ExternalReference string               `json:"externalReference"`
	Status            domain.PaymentStatus `json:"status"`
	Amount            int64                `json:"amount"`
	Currency          string               `json:"currency"`
	ExpiresAt         *time.Time           `json:"expiresAt,omitempty"`
}

type PaymentListResponseDTO struct {
	Payments []*domain.Payment `json:"payments"`
	Summary  payment.Summary   `json:"summary"`
}

// POST /api/v1/payments
func (h *PaymentsHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in payment.CreateInput
	if !decodeJSON(w, r, h.log, &in) {
		return
	}
	if sess := sessionFrom(ctx); sess != nil && !slices.Contains(sess.OrderIDs, in.OrderID) {
		respondError(w, r, h.log, errOrderNotFound)
		return
	}

	p, err := h.payments.CreatePayment(ctx, tenantFrom(ctx), in)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, CreatePaymentResponseDTO{
		PaymentID:         p.ID,
		CheckoutURL:       p.CheckoutURL,
		ExternalReference: p.ExternalReference,
		Status:            p.Status,
		Amount:            p.Amount,
		Currency:          p.Currency,
		ExpiresAt:         p.ExpiresAt,
	})
}

// GET /api/v1/payments/{payment_id}
func (h *PaymentsHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := h.payments.GetPayment(ctx, tenantFrom(ctx), chi.URLParam(r, "payment_id"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if sess := sessionFrom(ctx); sess != nil && !slices.Contains(sess.OrderIDs, p.OrderID) {
		respondError(w, r, h.log, payment.ErrPaymentNotFound)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// POST /api/v1/payments/{payment_id}/cancel
func (h *PaymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := h.payments.Cancel(ctx, tenantFrom(ctx), chi.URLParam(r, "payment_id"))
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GET /api/v1/payments
func (h *PaymentsHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantFrom(ctx)

	limit, offset, err := paging(r)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	qs := r.URL.Query()
	f := payment.Filter{
		OrderID:  qs.Get("orderId"),
		Status:   domain.PaymentStatus(qs.Get("status")),
		Provider: qs.Get("provider"),
		Sort:     qs.Get("sort"),
		Limit:    limit,
		Offset:   offset,
	}

	payments, err := h.payments.ListPayments(ctx, tenantID, f)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	summary, err := h.payments.GetSummary(ctx, tenantID, f)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if payments == nil {
		payments = []*domain.Payment{}
	}
	respondJSON(w, http.StatusOK, PaymentListResponseDTO{Payments: payments, Summary: summary})
}

// POST /api/v1/webhooks/payments/{provider}
//
// Processed, duplicate and unresolvable callbacks all answer 200 so the
// provider stops redelivering. Only an unreadable payload, an unknown
// provider or a storage failure (which the provider should retry) do not.
func (h *PaymentsHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")

	err := h.payments.HandleCallback(ctx, providerName, r)
	if err == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindTransient:
		h.log.WithContext(ctx).WithError(err).WithField("provider", providerName).Warn("payment callback rejected")
		respondError(w, r, h.log, err)
	default:
		// business refusals are final; a redelivery would be refused again
		h.log.WithContext(ctx).WithError(err).WithField("provider", providerName).Warn("payment callback refused")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}
