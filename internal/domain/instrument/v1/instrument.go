package instrumentv1

import (
	"strings"

	"github.com/shopspring/decimal"

	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
)

// Spec describes one tradable instrument. Prices and quantities cross the
// admission boundary as decimals and are converted to integer ticks and lots
// before they reach a book.
type Spec struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`

	// TickSize is the quote-currency value of one price tick.
	TickSize decimal.Decimal `json:"tickSize"`
	// LotSize is the base-currency value of one quantity lot.
	LotSize decimal.Decimal `json:"lotSize"`
}

// DefaultSpec derives a spec from a BASE-QUOTE symbol with a hundredth tick
// and a hundred-millionth lot, the usual crypto spot convention.
func DefaultSpec(symbol string) Spec {
	base, quote := symbol, ""
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		base, quote = symbol[:i], symbol[i+1:]
	}
	return Spec{
		Symbol:     symbol,
		BaseAsset:  base,
		QuoteAsset: quote,
		TickSize:   decimal.New(1, -2),
		LotSize:    decimal.New(1, -8),
	}
}

// PriceToTicks converts a decimal price to ticks, rejecting prices that are
// not tick-aligned, non-positive, or out of range.
func (s Spec) PriceToTicks(price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, orderbookv1.ErrInvalidPrice
	}
	ticks := price.Div(s.TickSize)
	if !ticks.IsInteger() {
		return 0, orderbookv1.ErrInvalidPrice
	}
	v := ticks.IntPart()
	if v <= 0 || v >= orderbookv1.MaxPrice {
		return 0, orderbookv1.ErrPriceOutOfRange
	}
	return v, nil
}

// TicksToPrice converts ticks back to a decimal price.
func (s Spec) TicksToPrice(ticks int64) decimal.Decimal {
	return decimal.NewFromInt(ticks).Mul(s.TickSize)
}

// QuantityToLots converts a decimal quantity to lots, rejecting quantities
// that are not lot-aligned or non-positive.
func (s Spec) QuantityToLots(quantity decimal.Decimal) (uint64, error) {
	if !quantity.IsPositive() {
		return 0, orderbookv1.ErrInvalidQuantity
	}
	lots := quantity.Div(s.LotSize)
	if !lots.IsInteger() {
		return 0, orderbookv1.ErrInvalidQuantity
	}
	v := lots.IntPart()
	if v <= 0 {
		return 0, orderbookv1.ErrInvalidQuantity
	}
	return uint64(v), nil
}

// LotsToQuantity converts lots back to a decimal quantity.
func (s Spec) LotsToQuantity(lots uint64) decimal.Decimal {
	return decimal.NewFromUint64(lots).Mul(s.LotSize)
}

// Notional returns the quote value of lots traded at the tick price.
func (s Spec) Notional(ticks int64, lots uint64) decimal.Decimal {
	return s.TicksToPrice(ticks).Mul(s.LotsToQuantity(lots))
}
