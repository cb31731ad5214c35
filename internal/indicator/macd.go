// Package indicator provides technical indicator calculations over
// ordered price series.
//
// Unlike streaming indicators, these are pure whole-series functions:
// the caller always recomputes over the entire available history for an
// instrument/timeframe before writing, so the value stored for any
// timestamp is a function of the complete ordered series only and
// re-ingesting a superset window reproduces it bit for bit.
package indicator

// Default MACD periods.
const (
	DefaultFast   = 12
	DefaultSlow   = 26
	DefaultSignal = 9
)

// MACD computes the moving-average-convergence indicator over closes.
// diff = EMA(closes, fast) - EMA(closes, slow); dea = EMA(diff, signal);
// hist = (diff - dea) * 2. All three results have len(closes) entries.
//
// When len(closes) < slow there is not enough data for a meaningful
// value: all entries are nil. That is the documented "insufficient data"
// representation, not an error.
func MACD(closes []float64, fast, slow, signal int) (diff, dea, hist []*float64) {
	n := len(closes)
	diff = make([]*float64, n)
	dea = make([]*float64, n)
	hist = make([]*float64, n)
	if n < slow {
		return diff, dea, hist
	}

	emaFast := ema(closes, fast)
	emaSlow := ema(closes, slow)

	diffVals := make([]float64, n)
	for i := 0; i < n; i++ {
		diffVals[i] = emaFast[i] - emaSlow[i]
	}
	deaVals := ema(diffVals, signal)

	for i := 0; i < n; i++ {
		d := diffVals[i]
		s := deaVals[i]
		h := (d - s) * 2
		diff[i], dea[i], hist[i] = ptr(d), ptr(s), ptr(h)
	}
	return diff, dea, hist
}

// MACDDefault computes MACD with the standard 12/26/9 periods.
func MACDDefault(closes []float64) (diff, dea, hist []*float64) {
	return MACD(closes, DefaultFast, DefaultSlow, DefaultSignal)
}

// ema computes the exponential moving average series seeded with x[0]:
// ema[i] = (x[i] - ema[i-1]) * 2/(period+1) + ema[i-1].
func ema(xs []float64, period int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = (xs[i]-out[i-1])*k + out[i-1]
	}
	return out
}

func ptr(v float64) *float64 { return &v }
