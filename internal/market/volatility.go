package market

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	// MinSpreadPct is the floor on the quoted spread percentage.
	MinSpreadPct = decimal.NewFromFloat(0.5)

	// MaxSpreadPct is the ceiling on the quoted spread percentage.
	MaxSpreadPct = decimal.NewFromFloat(5.0)

	// WidenFactor is applied when realized volatility exceeds the threshold.
	WidenFactor = decimal.NewFromFloat(1.2)

	// NarrowFactor is applied when realized volatility is at or below the
	// threshold.
	NarrowFactor = decimal.NewFromFloat(0.95)
)

// volatilityWindow is the number of most recent prices used for the
// realized-volatility estimate.
const volatilityWindow = 10

// Volatility returns the coefficient of variation of the last ten prices,
// as a percentage: stddev / mean * 100. Fewer than two prices, or a zero
// mean, yield zero.
func Volatility(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) > volatilityWindow {
		prices = prices[len(prices)-volatilityWindow:]
	}
	if len(prices) < 2 {
		return decimal.Zero
	}

	xs := make([]float64, len(prices))
	var sum float64
	for i, p := range prices {
		xs[i] = p.InexactFloat64()
		sum += xs[i]
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return decimal.Zero
	}

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))

	cv := math.Sqrt(variance) / mean * 100
	return decimal.NewFromFloat(cv).Round(6)
}

// AdjustSpread widens the spread by WidenFactor when volatility exceeds the
// threshold and narrows it by NarrowFactor otherwise, clamped to
// [MinSpreadPct, MaxSpreadPct].
func AdjustSpread(spreadPct, volatility, threshold decimal.Decimal) decimal.Decimal {
	if volatility.GreaterThan(threshold) {
		spreadPct = spreadPct.Mul(WidenFactor)
	} else {
		spreadPct = spreadPct.Mul(NarrowFactor)
	}

	if spreadPct.LessThan(MinSpreadPct) {
		return MinSpreadPct
	}
	if spreadPct.GreaterThan(MaxSpreadPct) {
		return MaxSpreadPct
	}
	return spreadPct
}

// Quotes derives the bid and ask prices from a mid price and a spread
// percentage: bid = mid*(1−s/2), ask = mid*(1+s/2) with s = spreadPct/100.
func Quotes(mid, spreadPct decimal.Decimal) (bid, ask decimal.Decimal) {
	half := spreadPct.Div(decimal.NewFromInt(200)) // pct → fraction, then /2
	one := decimal.NewFromInt(1)
	bid = mid.Mul(one.Sub(half))
	ask = mid.Mul(one.Add(half))
	return bid, ask
}
