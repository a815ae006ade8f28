package analyzer

import "math"

// SMA returns the simple moving average of the last n values, NaN when short
func SMA(vals []float64, n int) float64 {
	if len(vals) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(vals) - n; i < len(vals); i++ {
		sum += vals[i]
	}
	return sum / float64(n)
}

// EMASeries returns the exponential moving average for every index,
// seeded with the SMA of the first n values. Entries before n-1 are NaN.
func EMASeries(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(vals) < n || n <= 0 {
		return out
	}

	k := 2.0 / float64(n+1)
	out[n-1] = SMA(vals[:n], n)
	for i := n; i < len(vals); i++ {
		out[i] = vals[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI over the last period changes (simple average of gains and losses)
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	gain, loss := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100.0
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100.0 - (100.0 / (1.0 + rs))
}

// MACD returns the latest MACD line and signal line
func MACD(closes []float64, fast, slow, signal int) (macd, sig float64) {
	if len(closes) < slow+signal {
		return math.NaN(), math.NaN()
	}
	fastEMA := EMASeries(closes, fast)
	slowEMA := EMASeries(closes, slow)

	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	sigSeries := EMASeries(line, signal)
	return line[len(line)-1], sigSeries[len(sigSeries)-1]
}

// ATR uses Wilder smoothing (alpha = 1/period) over the true range
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) != len(lows) || len(lows) != len(closes) || period <= 0 {
		return math.NaN()
	}
	if len(closes) < period+1 {
		return math.NaN()
	}

	atr := highs[0] - lows[0]
	alpha := 1.0 / float64(period)
	for i := 1; i < len(closes); i++ {
		tr1 := highs[i] - lows[i]
		tr2 := math.Abs(highs[i] - closes[i-1])
		tr3 := math.Abs(lows[i] - closes[i-1])
		tr := math.Max(tr1, math.Max(tr2, tr3))
		atr = alpha*tr + (1-alpha)*atr
	}
	return atr
}
