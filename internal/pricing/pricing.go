// Package pricing computes sale totals. It has no side effects and performs
// all arithmetic on exact decimals, rounding half up to cents only when a
// persisted amount is produced.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

const places = 2

var hundred = decimal.NewFromInt(100)

type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
	Discount  decimal.Decimal
}

type Discount struct {
	Type  domain.DiscountType
	Value decimal.Decimal
}

type LineResult struct {
	Gross     decimal.Decimal
	Discount  decimal.Decimal
	TaxAmount decimal.Decimal
	LineTotal decimal.Decimal
}

type Totals struct {
	Lines          []LineResult
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	SaleDiscount   decimal.Decimal
	ShippingAmount decimal.Decimal
	TotalAmount    decimal.Decimal
}

// Round is the single rounding rule for persisted money: half up to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(places)
}

// Calculate prices the lines and applies the sale-level discount to the sum
// of line gross values. The result always satisfies
// TotalAmount == Subtotal + TaxAmount - DiscountAmount + ShippingAmount.
func Calculate(lines []Line, discount Discount, shipping decimal.Decimal) (Totals, error) {
	verr := &domain.ValidationError{}
	if len(lines) == 0 {
		verr.Add("items", "at least one item is required")
		return Totals{}, verr
	}
	if shipping.IsNegative() {
		verr.Add("shipping_amount", "must not be negative")
	}

	var (
		grossSum    decimal.Decimal
		taxSum      decimal.Decimal
		itemDiscSum decimal.Decimal
	)
	results := make([]LineResult, len(lines))
	for i, line := range lines {
		field := func(name string) string { return fmt.Sprintf("items.%d.%s", i, name) }
		if line.Quantity < 1 {
			verr.Add(field("quantity"), "must be at least 1")
			continue
		}
		if line.UnitPrice.IsNegative() {
			verr.Add(field("unit_price"), "must not be negative")
			continue
		}
		if line.TaxRate.IsNegative() || line.TaxRate.GreaterThan(hundred) {
			verr.Add(field("tax_rate"), "must be between 0 and 100")
			continue
		}

		gross := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		if line.Discount.IsNegative() || line.Discount.GreaterThan(gross) {
			verr.Add(field("discount"), "must be between 0 and the line amount")
			continue
		}
		net := gross.Sub(line.Discount)
		tax := net.Mul(line.TaxRate).Div(hundred)

		grossSum = grossSum.Add(gross)
		taxSum = taxSum.Add(tax)
		itemDiscSum = itemDiscSum.Add(line.Discount)
		results[i] = LineResult{
			Gross:     Round(gross),
			Discount:  Round(line.Discount),
			TaxAmount: Round(tax),
			LineTotal: Round(net.Add(tax)),
		}
	}

	saleDiscount := decimal.Zero
	switch discount.Type {
	case "":
		if !discount.Value.IsZero() {
			verr.Add("discount_type", "is required when discount_value is set")
		}
	case domain.DiscountFixed:
		saleDiscount = discount.Value
	case domain.DiscountPercentage:
		if discount.Value.GreaterThan(hundred) {
			verr.Add("discount_value", "percentage must not exceed 100")
		}
		saleDiscount = grossSum.Mul(discount.Value).Div(hundred)
	default:
		verr.Add("discount_type", "must be fixed or percentage")
	}
	if discount.Value.IsNegative() {
		verr.Add("discount_value", "must not be negative")
	}
	if verr.Empty() && itemDiscSum.Add(saleDiscount).GreaterThan(grossSum) {
		verr.Add("discount_value", "discounts exceed the sale subtotal")
	}
	if err := verr.OrNil(); err != nil {
		return Totals{}, err
	}

	subtotal := Round(grossSum)
	tax := Round(taxSum)
	discountAmount := Round(itemDiscSum.Add(saleDiscount))
	shippingAmount := Round(shipping)

	return Totals{
		Lines:          results,
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discountAmount,
		SaleDiscount:   Round(saleDiscount),
		ShippingAmount: shippingAmount,
		TotalAmount:    subtotal.Add(tax).Sub(discountAmount).Add(shippingAmount),
	}, nil
}
