package costbasis

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the single bookkeeping currency.
const Currency = money.USD

// Format renders an amount with the bookkeeping currency symbol, e.g. "$12.50".
func Format(d decimal.Decimal) string {
	cents := Quantize(d).Shift(Scale).IntPart()
	return money.New(cents, Currency).Display()
}
