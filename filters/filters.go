// Package filters quantizes order price/quantity to a symbol's exchange
// filters and enforces MIN_NOTIONAL, LOT_SIZE, and PRICE_FILTER.
package filters

import (
	"hedgegrid/enginerr"

	"github.com/shopspring/decimal"
)

// SymbolFilters are the immutable per-symbol trading rules fetched once at
// startup from the exchange (PRICE_FILTER, LOT_SIZE, MIN_NOTIONAL).
type SymbolFilters struct {
	Symbol         string
	PriceTick      decimal.Decimal
	QtyStep        decimal.Decimal
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	MinNotional    decimal.Decimal
	PricePrecision int32
	QtyPrecision   int32
}

// QuantizePrice floors p to the largest multiple of PriceTick not
// exceeding it. Idempotent: QuantizePrice(QuantizePrice(p)) == QuantizePrice(p).
func (f SymbolFilters) QuantizePrice(p decimal.Decimal) decimal.Decimal {
	if f.PriceTick.IsZero() {
		return p
	}
	steps := p.Div(f.PriceTick).Floor()
	q := steps.Mul(f.PriceTick)
	if q.Sign() <= 0 {
		return f.PriceTick
	}
	return q
}

// QuantizeQty rounds q to a multiple of QtyStep — floor by default, or
// ceiling when roundUp is true — then clamps to [MinQty, MaxQty].
func (f SymbolFilters) QuantizeQty(q decimal.Decimal, roundUp bool) decimal.Decimal {
	if f.QtyStep.IsZero() {
		return q
	}
	var steps decimal.Decimal
	div := q.DivRound(f.QtyStep, 18)
	if roundUp {
		steps = div.Ceil()
	} else {
		steps = div.Floor()
	}
	rounded := steps.Mul(f.QtyStep)

	if !f.MinQty.IsZero() && rounded.LessThan(f.MinQty) {
		rounded = f.MinQty
	}
	if !f.MaxQty.IsZero() && rounded.GreaterThan(f.MaxQty) {
		rounded = f.MaxQty
	}
	return rounded
}

// Adjustment records one value changed by ValidateOrder, for logging.
type Adjustment struct {
	Field string
	From  decimal.Decimal
	To    decimal.Decimal
}

// ValidateOrder quantizes price and qty to this symbol's filters, then — if
// the resulting notional is below MinNotional — raises qty to the smallest
// QtyStep multiple that satisfies it. Re-applying ValidateOrder to its own
// output returns the same (price, qty) pair.
func (f SymbolFilters) ValidateOrder(price, qty decimal.Decimal) (outPrice, outQty decimal.Decimal, adjustments []Adjustment) {
	outPrice = f.QuantizePrice(price)
	if !outPrice.Equal(price) {
		adjustments = append(adjustments, Adjustment{"price", price, outPrice})
	}

	outQty = f.QuantizeQty(qty, false)
	if !outQty.Equal(qty) {
		adjustments = append(adjustments, Adjustment{"quantity", qty, outQty})
	}

	notional := outPrice.Mul(outQty)
	if notional.LessThan(f.MinNotional) && outPrice.Sign() > 0 {
		before := outQty
		required := f.MinNotional.Div(outPrice)
		outQty = f.QuantizeQty(required, true)
		if !outQty.Equal(before) {
			adjustments = append(adjustments, Adjustment{"notional_quantity", before, outQty})
		}
	}

	return outPrice, outQty, adjustments
}

// CheckMinNotional reports whether price*qty meets MinNotional, wrapping a
// failure as a ValidationError for callers that must reject rather than
// auto-adjust.
func (f SymbolFilters) CheckMinNotional(price, qty decimal.Decimal) error {
	notional := price.Mul(qty)
	if notional.LessThan(f.MinNotional) {
		return enginerr.Newf(enginerr.ValidationError, "filters.CheckMinNotional",
			"notional %s below min_notional %s", notional.String(), f.MinNotional.String())
	}
	return nil
}
