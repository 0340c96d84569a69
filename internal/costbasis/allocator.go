// Package costbasis holds the pure cost arithmetic shared by every inventory workflow.
package costbasis

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/shared"
)

// Scale is the number of fractional digits kept for every stored amount.
const Scale int32 = 2

// Quantize rounds an input amount half-up to cents.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// AllocateShared distributes cost over weights proportionally. Every share is
// truncated to cents and the remainder goes to the largest weight (the first
// one on ties), so the shares always sum to the quantized cost. When all
// weights are zero the cost is split evenly.
func AllocateShared(cost decimal.Decimal, weights []decimal.Decimal) ([]decimal.Decimal, error) {
	cost = Quantize(cost)
	if cost.IsNegative() {
		return nil, shared.Invalid("cost", "must be >= 0")
	}
	if len(weights) == 0 {
		if cost.IsZero() {
			return []decimal.Decimal{}, nil
		}
		return nil, shared.Invalid("weights", "required to allocate a non-zero cost")
	}
	total := decimal.Zero
	largest := 0
	for i, w := range weights {
		if w.IsNegative() {
			return nil, shared.Invalid(fmt.Sprintf("weights[%d]", i), "must be >= 0")
		}
		total = total.Add(w)
		if w.GreaterThan(weights[largest]) {
			largest = i
		}
	}
	effective := weights
	if total.IsZero() {
		effective = make([]decimal.Decimal, len(weights))
		for i := range effective {
			effective[i] = decimal.NewFromInt(1)
		}
		total = decimal.NewFromInt(int64(len(weights)))
	}

	shares := make([]decimal.Decimal, len(effective))
	allocated := decimal.Zero
	for i, w := range effective {
		share := cost.Mul(w).Div(total).Truncate(Scale)
		shares[i] = share
		allocated = allocated.Add(share)
	}
	shares[largest] = shares[largest].Add(cost.Sub(allocated))
	return shares, nil
}

// PerUnit returns total/quantity, or zero when quantity is not positive.
// Reporting only: ledger mutations use Proportion.
func PerUnit(total decimal.Decimal, quantity int64) decimal.Decimal {
	if quantity <= 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(quantity))
}

// Proportion returns the cents-truncated slice of total attributable to part
// out of whole units. Taking every unit returns total exactly, so a depleted
// balance never keeps a residue; partial slices leave the rounding residue on
// the remaining balance.
func Proportion(total decimal.Decimal, part, whole int64) decimal.Decimal {
	if part <= 0 || whole <= 0 {
		return decimal.Zero
	}
	if part >= whole {
		return total
	}
	return total.Mul(decimal.NewFromInt(part)).Div(decimal.NewFromInt(whole)).Truncate(Scale)
}

// Extend multiplies a unit amount by quantity and quantizes the result.
func Extend(unit decimal.Decimal, quantity int64) decimal.Decimal {
	return Quantize(unit.Mul(decimal.NewFromInt(quantity)))
}

// Sum adds amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
