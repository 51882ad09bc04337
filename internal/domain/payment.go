package domain

import (
	"encoding/json"
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentExpired   PaymentStatus = "expired"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentApproved, PaymentRejected, PaymentExpired, PaymentCancelled:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	return s == PaymentPending || s.IsTerminal()
}

func (s PaymentStatus) String() string {
	return string(s)
}

type Payment struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenantId"`
	OrderID           string            `json:"orderId"`
	Provider          string            `json:"provider"`
	ExternalReference string            `json:"externalReference,omitempty"`
	CheckoutURL       string            `json:"checkoutUrl,omitempty"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            PaymentStatus     `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ProviderPayload   json.RawMessage   `json:"providerPayload,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty"`
}

// Active reports whether the payment still holds the order's payment slot.
func (p *Payment) Active() bool {
	return !p.Status.IsTerminal()
}
