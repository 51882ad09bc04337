package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tableside/floor-core/internal/apperr"
	"github.com/tableside/floor-core/internal/domain"
)

type ModifierInput struct {
	Name  string `json:"name" validate:"required,max=64"`
	Price int64  `json:"price" validate:"gte=0"`
}

type DiscountInput struct {
	Kind       domain.DiscountKind `json:"kind" validate:"required,oneof=fixed percentage"`
	Amount     int64               `json:"amount" validate:"gte=0"`
	Percentage decimal.Decimal     `json:"percentage"`
	Label      string              `json:"label" validate:"max=64"`
}

type TaxInput struct {
	Name   string           `json:"name" validate:"required,max=64"`
	Rate   *decimal.Decimal `json:"rate"`
	Amount *int64           `json:"amount"`
}

type ItemInput struct {
	MenuItemID string          `json:"menuItemId" validate:"required,max=64"`
	Quantity   int64           `json:"quantity" validate:"gte=1,lte=999"`
	Note       string          `json:"note" validate:"max=280"`
	Modifiers  []ModifierInput `json:"modifiers" validate:"max=20,dive"`
	Discount   *DiscountInput  `json:"discount"`
}

type CreateOrderInput struct {
	TableID       string          `json:"tableId" validate:"required,max=64"`
	SessionID     string          `json:"-"`
	Items         []ItemInput     `json:"items" validate:"min=1,max=100,dive"`
	Discounts     []DiscountInput `json:"discounts" validate:"max=10,dive"`
	Taxes         []TaxInput      `json:"taxes" validate:"max=10,dive"`
	Tip           int64           `json:"tip" validate:"gte=0"`
	ServiceCharge int64           `json:"serviceCharge" validate:"gte=0"`
}

type addItemsInput struct {
	Items []ItemInput `json:"items" validate:"min=1,max=100,dive"`
}

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// checkDiscount covers what struct tags cannot express on decimals.
func checkDiscount(d DiscountInput, field string) error {
	if d.Kind == domain.DiscountPercentage {
		if d.Percentage.LessThan(zero) || d.Percentage.GreaterThan(hundred) {
			return apperr.Validation("invalid_field", field+".percentage", "must be between 0 and 100")
		}
	}
	return nil
}

func checkTax(t TaxInput, field string) error {
	if t.Rate == nil && t.Amount == nil {
		return apperr.Validation("tax_rate_or_amount_required", field, "tax needs a rate or an amount")
	}
	if t.Rate != nil && t.Rate.LessThan(zero) {
		return apperr.Validation("invalid_field", field+".rate", "must not be negative")
	}
	if t.Amount != nil && *t.Amount < 0 {
		return apperr.Validation("invalid_field", field+".amount", "must not be negative")
	}
	return nil
}

func checkItems(items []ItemInput, prefix string) error {
	for i, it := range items {
		if it.Discount == nil {
			continue
		}
		if err := checkDiscount(*it.Discount, fmt.Sprintf("%s[%d].discount", prefix, i)); err != nil {
			return err
		}
	}
	return nil
}

func toDiscount(d DiscountInput) domain.Discount {
	return domain.Discount{Kind: d.Kind, Amount: d.Amount, Percentage: d.Percentage, Label: d.Label}
}

func toTax(t TaxInput) domain.Tax {
	return domain.Tax{Name: t.Name, Rate: t.Rate, Amount: t.Amount}
}
