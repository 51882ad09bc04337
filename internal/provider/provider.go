// Package provider holds the external payment provider capability and its
// implementations.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tableside/floor-core/internal/domain"
)

var (
	// ErrUnavailable marks provider failures worth retrying later.
	ErrUnavailable      = errors.New("payment provider unavailable")
	ErrInvalidCallback  = errors.New("invalid provider callback")
	ErrBadSignature     = errors.New("callback signature mismatch")
	ErrUnknownReference = errors.New("unknown checkout reference")
)

// maxCallbackBody bounds how much of a webhook body is read.
const maxCallbackBody = 1 << 20

type CheckoutRequest struct {
	PaymentID  string
	TenantID   string
	OrderID    string
	Amount     int64
	Currency   string
	ReturnURL  string
	FailureURL string
	Metadata   map[string]string
}

type Checkout struct {
	ExternalID  string
	CheckoutURL string
	ExpiresAt   *time.Time
	Payload     json.RawMessage
}

// Callback is a status notification, pushed by the provider or fetched by polling.
type Callback struct {
	ExternalReference string
	Status            domain.PaymentStatus
	// TenantID is echoed back from checkout metadata when the provider supports it.
	TenantID string
	Reason   string
	Payload  json.RawMessage
}

type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	ParseCallback(r *http.Request) (Callback, error)
}

// StatusFetcher is implemented by providers that can be polled for a checkout's status.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, externalID string) (Callback, error)
}

// ParseStatus maps the status words providers use onto payment statuses.
func ParseStatus(s string) (domain.PaymentStatus, bool) {
	switch s {
	case "pending", "in_process", "created":
		return domain.PaymentPending, true
	case "approved", "paid", "succeeded":
		return domain.PaymentApproved, true
	case "rejected", "declined", "failed":
		return domain.PaymentRejected, true
	case "expired":
		return domain.PaymentExpired, true
	case "cancelled", "canceled":
		return domain.PaymentCancelled, true
	}
	return "", false
}
