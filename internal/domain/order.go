package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order amounts are minor currency units.
type Order struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenantId"`
	TableID           string             `json:"tableId"`
	SessionID         string             `json:"sessionId,omitempty"`
	Items             []OrderItem        `json:"items"`
	Discounts         []Discount         `json:"discounts"`
	Taxes             []Tax              `json:"taxes"`
	Tip               int64              `json:"tip"`
	ServiceCharge     int64              `json:"serviceCharge"`
	Subtotal          int64              `json:"subtotal"`
	ItemDiscountTotal int64              `json:"itemDiscountTotal"`
	DiscountTotal     int64              `json:"discountTotal"`
	TaxTotal          int64              `json:"taxTotal"`
	Total             int64              `json:"total"`
	Status            OrderStatus        `json:"status"`
	PaymentStatus     OrderPaymentStatus `json:"paymentStatus"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

type OrderItem struct {
	ID         string     `json:"id"`
	MenuItemID string     `json:"menuItemId"`
	Name       string     `json:"name"`
	UnitPrice  int64      `json:"unitPrice"`
	Quantity   int64      `json:"quantity"`
	Note       string     `json:"note,omitempty"`
	Modifiers  []Modifier `json:"modifiers,omitempty"`
	Discount   *Discount  `json:"discount,omitempty"`
	LineTotal  int64      `json:"lineTotal"`
	AddedAt    time.Time  `json:"addedAt"`
}

type Modifier struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type DiscountKind string

const (
	DiscountFixed      DiscountKind = "fixed"
	DiscountPercentage DiscountKind = "percentage"
)

type Discount struct {
	Kind       DiscountKind    `json:"kind"`
	Amount     int64           `json:"amount,omitempty"`
	Percentage decimal.Decimal `json:"percentage,omitempty"`
	Label      string          `json:"label,omitempty"`
}

// Tax carries either a rate in percentage points or a precomputed amount.
type Tax struct {
	Name   string           `json:"name"`
	Rate   *decimal.Decimal `json:"rate,omitempty"`
	Amount *int64           `json:"amount,omitempty"`
}

// Reprice recomputes every derived monetary field from the order's inputs.
func (o *Order) Reprice() {
	t := ComputeTotals(o.Items, o.Discounts, o.Taxes, o.Tip, o.ServiceCharge)
	for i := range o.Items {
		o.Items[i].LineTotal = t.LineTotals[i]
	}
	o.Subtotal = t.Subtotal
	o.ItemDiscountTotal = t.ItemDiscountTotal
	o.DiscountTotal = t.DiscountTotal
	o.TaxTotal = t.TaxTotal
	o.Total = t.Total
}

// ActiveTableOrder reports whether the order still keeps its table occupied.
func (o *Order) ActiveTableOrder() bool {
	return !o.Status.IsTerminal()
}
