package split

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Prices converts token amounts to USD using static per-symbol prices.
// Symbols are matched case-insensitively; unknown symbols are worth zero.
type Prices struct {
	bySymbol map[string]decimal.Decimal
}

// NewPrices builds a price table from symbol to USD price.
func NewPrices(prices map[string]decimal.Decimal) Prices {
	p := Prices{bySymbol: make(map[string]decimal.Decimal, len(prices))}
	for sym, price := range prices {
		p.bySymbol[strings.ToUpper(sym)] = price
	}
	return p
}

// Price returns the USD price of one token unit.
func (p Prices) Price(symbol string) (decimal.Decimal, bool) {
	price, ok := p.bySymbol[strings.ToUpper(symbol)]
	return price, ok
}

// USD returns the USD value of amount units of symbol.
func (p Prices) USD(symbol string, amount decimal.Decimal) decimal.Decimal {
	price, ok := p.Price(symbol)
	if !ok {
		return decimal.Zero
	}
	return amount.Mul(price)
}
