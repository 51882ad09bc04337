package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Totals struct {
	LineTotals        []int64
	Subtotal          int64
	ItemDiscountTotal int64
	DiscountTotal     int64
	TaxTotal          int64
	Total             int64
}

// ComputeTotals prices an order. It has no side effects on its inputs.
//
// Each line is (unit price + modifiers) x quantity minus its own discount,
// floored at zero. Order level discounts apply to the subtotal and are capped
// by it, taxes apply to what is left, then tip and service charge are added.
func ComputeTotals(items []OrderItem, discounts []Discount, taxes []Tax, tip, serviceCharge int64) Totals {
	t := Totals{LineTotals: make([]int64, len(items))}

	for i, item := range items {
		unit := item.UnitPrice
		for _, m := range item.Modifiers {
			unit += m.Price
		}
		gross := unit * item.Quantity

		off := int64(0)
		if item.Discount != nil {
			off = item.Discount.amountOf(gross)
		}
		line := gross - off
		if line < 0 {
			off = gross
			line = 0
		}
		t.LineTotals[i] = line
		t.ItemDiscountTotal += off
		t.Subtotal += line
	}

	for _, d := range discounts {
		t.DiscountTotal += d.amountOf(t.Subtotal)
	}
	if t.DiscountTotal > t.Subtotal {
		t.DiscountTotal = t.Subtotal
	}

	taxable := t.Subtotal - t.DiscountTotal
	for _, tax := range taxes {
		t.TaxTotal += tax.amountOf(taxable)
	}

	t.Total = t.Subtotal - t.DiscountTotal + t.TaxTotal + tip + serviceCharge
	return t
}

func (d Discount) amountOf(base int64) int64 {
	switch d.Kind {
	case DiscountPercentage:
		return percentOf(base, d.Percentage)
	default:
		return d.Amount
	}
}

func (t Tax) amountOf(base int64) int64 {
	if t.Amount != nil {
		return *t.Amount
	}
	if t.Rate != nil {
		return percentOf(base, *t.Rate)
	}
	return 0
}

func percentOf(base int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(base).Mul(pct).Div(hundred).Round(0).IntPart()
}
