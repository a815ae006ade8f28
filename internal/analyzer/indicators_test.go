package analyzer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	assert.InDelta(t, 4.0, SMA([]float64{1, 2, 3, 4, 5}, 3), 1e-9)
	assert.True(t, math.IsNaN(SMA([]float64{1, 2}, 3)))
}

func TestEMASeriesConstant(t *testing.T) {
	vals := []float64{10, 10, 10, 10, 10, 10}
	ema := EMASeries(vals, 3)
	assert.True(t, math.IsNaN(ema[1]))
	for _, v := range ema[2:] {
		assert.InDelta(t, 10.0, v, 1e-9)
	}
}

func TestRSI(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6}
	assert.Equal(t, 100.0, RSI(up, 5))

	// +2, -1 alternating: avg gain / avg loss = 2
	zig := []float64{10, 12, 11, 13, 12, 14, 13}
	assert.InDelta(t, 100-100/3.0, RSI(zig, 6), 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	n := 30
	highs, lows, closes := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := range closes {
		closes[i] = 100
		highs[i] = 102
		lows[i] = 98
	}
	assert.InDelta(t, 4.0, ATR(highs, lows, closes, 14), 1e-9)
	assert.True(t, math.IsNaN(ATR(highs[:5], lows[:5], closes[:5], 14)))
}

func TestMACDAccelerating(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i*i)/10
	}
	macd, sig := MACD(closes, 12, 26, 9)
	assert.Greater(t, macd, 0.0)
	assert.Greater(t, macd, sig)

	m, s := MACD(closes[:20], 12, 26, 9)
	assert.True(t, math.IsNaN(m))
	assert.True(t, math.IsNaN(s))
}
