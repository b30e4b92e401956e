// Package mathfees is the pure math/fee library: precision-aware
// integer<->float conversions, weighted fund allocation, spread/divergence
// metrics, and DEX fee-schedule helpers. No I/O, no retained float
// accumulators across calls, grounded on the style of pkg/tradingutils.
package mathfees

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MinSpreadOrders is the floor on gapSlots, matching the source's
// MIN_SPREAD_ORDERS constant.
const MinSpreadOrders = 1

// MinSpreadFactor floors targetSpreadPercent at incrementPercent * this
// factor before computing gapSlots.
const MinSpreadFactor = 2.0

// ToInt converts a float amount to its on-chain integer representation at
// precision p, rounding to nearest and clamping to int64 range.
func ToInt(f decimal.Decimal, p int32) int64 {
	scaled := f.Shift(p).Round(0)
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	if scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return math.MinInt64
	}
	return scaled.IntPart()
}

// ToFloat converts an on-chain integer amount back to a float at precision p.
func ToFloat(i int64, p int32) decimal.Decimal {
	return decimal.NewFromInt(i).Shift(-p)
}

// Quantize round-trips f through ToInt/ToFloat at precision p, eliminating
// drift below the chain's integer resolution. Idempotent after one
// application (testable property #4).
func Quantize(f decimal.Decimal, p int32) decimal.Decimal {
	return ToFloat(ToInt(f, p), p)
}

// AllocateByWeights distributes total over n slots with geometric weights
// (1-incrementFactor)^(idx*w); when precision is non-nil, allocation happens
// in integer units and the rounding remainder is added to the largest unit
// so that Sigma sizes == ToInt(total, p) exactly (testable property #5).
func AllocateByWeights(total decimal.Decimal, n int, w, incrementFactor decimal.Decimal, reverse bool, precision *int32) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	weights := make([]decimal.Decimal, n)
	sumWeights := decimal.Zero
	one := decimal.NewFromInt(1)
	base := one.Sub(incrementFactor)
	for idx := 0; idx < n; idx++ {
		exp := w.Mul(decimal.NewFromInt(int64(idx)))
		weights[idx] = decimalPow(base, exp)
		sumWeights = sumWeights.Add(weights[idx])
	}
	if reverse {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			weights[i], weights[j] = weights[j], weights[i]
		}
	}

	out := make([]decimal.Decimal, n)
	if sumWeights.IsZero() {
		sumWeights = one
	}

	if precision == nil {
		for i := range out {
			out[i] = total.Mul(weights[i]).Div(sumWeights)
		}
		return out
	}

	p := *precision
	totalInt := ToInt(total, p)
	allocated := int64(0)
	largestIdx, largestVal := 0, int64(-1)
	for i := range out {
		share := total.Mul(weights[i]).Div(sumWeights)
		unitI := ToInt(share, p)
		out[i] = ToFloat(unitI, p)
		allocated += unitI
		if unitI > largestVal {
			largestVal = unitI
			largestIdx = i
		}
	}
	remainder := totalInt - allocated
	if remainder != 0 {
		out[largestIdx] = ToFloat(ToInt(out[largestIdx], p)+remainder, p)
	}
	return out
}

func decimalPow(base, exp decimal.Decimal) decimal.Decimal {
	b, _ := base.Float64()
	e, _ := exp.Float64()
	return decimal.NewFromFloat(math.Pow(b, e))
}

// GapSlots computes the number of SPREAD placeholder slots around the
// boundary, flooring targetSpreadPercent at incrementPercent*MinSpreadFactor.
func GapSlots(incrementPercent, targetSpreadPercent float64) int {
	floor := incrementPercent * MinSpreadFactor
	if targetSpreadPercent < floor {
		targetSpreadPercent = floor
	}
	num := math.Log(1 + targetSpreadPercent/100)
	den := math.Log(1 + incrementPercent/100)
	gap := int(math.Ceil(num/den)) - 1
	if gap < MinSpreadOrders {
		gap = MinSpreadOrders
	}
	return gap
}

// SlotSize pairs a stable identifier with a decimal size, the minimal shape
// DivergenceRMS needs from both the calculated and persisted sides.
type SlotSize struct {
	SlotID string
	Size   decimal.Decimal
}

// DivergenceRMS computes the RMS of relative size differences between a
// calculated (ideal) sizing and a persisted sizing, matched by slot id.
// Unmatched slots on either side count as a full 1.0 deviation.
func DivergenceRMS(calc, persisted []SlotSize) float64 {
	idealByID := make(map[string]decimal.Decimal, len(calc))
	for _, c := range calc {
		idealByID[c.SlotID] = c.Size
	}
	curByID := make(map[string]decimal.Decimal, len(persisted))
	for _, p := range persisted {
		curByID[p.SlotID] = p.Size
	}

	seen := make(map[string]bool, len(idealByID)+len(curByID))
	var sumSq float64
	var n int
	for id, ideal := range idealByID {
		seen[id] = true
		n++
		cur, ok := curByID[id]
		if !ok || ideal.IsZero() {
			sumSq += 1.0
			continue
		}
		diff := cur.Sub(ideal).Div(ideal)
		f, _ := diff.Float64()
		sumSq += f * f
	}
	for id := range curByID {
		if seen[id] {
			continue
		}
		n++
		sumSq += 1.0
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

// OrderSizeValid reports whether size clears the absolute minimum
// (minFactor*10^-p), the dust floor (2*dustPct%*idealSize when idealSize is
// given), and does not round to zero on-chain.
func OrderSizeValid(size decimal.Decimal, precision int32, minFactor decimal.Decimal, idealSize *decimal.Decimal, dustPct float64) bool {
	absMin := minFactor.Shift(-precision)
	if size.LessThan(absMin) {
		return false
	}
	if idealSize != nil {
		dustFloor := idealSize.Mul(decimal.NewFromFloat(2 * dustPct / 100))
		if size.LessThan(dustFloor) {
			return false
		}
	}
	return ToInt(size, precision) != 0
}

// NetworkFee is the BTS fee-schedule object for one operation family.
type NetworkFee struct {
	CreateFee decimal.Decimal
	UpdateFee decimal.Decimal
	CancelFee decimal.Decimal
}

// MakerNetFee is the portion of CreateFee a maker still pays once the 90%
// maker refund is applied (0.1 x CreateFee).
func (f NetworkFee) MakerNetFee() decimal.Decimal {
	return f.CreateFee.Mul(decimal.NewFromFloat(0.1))
}

// TakerNetFee is the full create fee paid by a taker fill.
func (f NetworkFee) TakerNetFee() decimal.Decimal {
	return f.CreateFee
}

// NetProceeds is the amount credited for a fill after the maker/taker fee
// adjustment: makers receive a 0.9*createFee refund on top of the raw amount.
func (f NetworkFee) NetProceeds(amount decimal.Decimal, isMaker bool) decimal.Decimal {
	if !isMaker {
		return amount
	}
	return amount.Add(f.CreateFee.Mul(decimal.NewFromFloat(0.9)))
}

// PriceTolerance computes the absolute price slack introduced by rounding
// both assets' integer amounts: T = (1/(sizeA*10^pA) + 1/(sizeB*10^pB)) * price.
func PriceTolerance(price, sizeA, sizeB decimal.Decimal, pA, pB int32) decimal.Decimal {
	unitA := sizeA.Shift(pA)
	unitB := sizeB.Shift(pB)
	if unitA.IsZero() || unitB.IsZero() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	invA := one.Div(unitA)
	invB := one.Div(unitB)
	return invA.Add(invB).Mul(price)
}

// PrecisionSlack is the absolute fund-invariant tolerance floor for an asset
// at precision p: 2*10^-p.
func PrecisionSlack(p int32) decimal.Decimal {
	return decimal.NewFromInt(2).Shift(-p)
}

// WithinTolerance reports whether |actual-expected| <= max(PrecisionSlack(p), pct*|reference|).
func WithinTolerance(actual, expected decimal.Decimal, p int32, pct float64, reference decimal.Decimal) bool {
	diff := actual.Sub(expected).Abs()
	pctTol := reference.Abs().Mul(decimal.NewFromFloat(pct))
	slack := PrecisionSlack(p)
	tol := slack
	if pctTol.GreaterThan(tol) {
		tol = pctTol
	}
	return diff.LessThanOrEqual(tol)
}

// FormatDecimal is a small helper kept for diagnostic logging call sites
// that want a stable, non-scientific string representation.
func FormatDecimal(d decimal.Decimal) string {
	return fmt.Sprintf("%s", d.String())
}
