package screener

import (
	"math"

	"github.com/wonny/autotrader/internal/contracts"
)

// Snapshot is the per-symbol view the filters and the score work on
type Snapshot struct {
	Symbol     string
	Name       string
	Price      int64   // 최근 종가
	AvgVolume  int64   // lookback 평균 거래량
	Volatility float64 // lookback 일간 수익률 표준편차
	Momentum   float64 // lookback 수익률
}

// BuildSnapshot derives a snapshot from oldest-first daily bars.
// It needs lookback+1 bars with positive closes.
func BuildSnapshot(symbol string, bars []contracts.DailyBar, lookback int) (*Snapshot, error) {
	if len(bars) < lookback+1 {
		return nil, contracts.DataQuality(symbol, "need %d daily bars, got %d", lookback+1, len(bars))
	}
	window := bars[len(bars)-lookback-1:]

	for _, b := range window {
		if b.Close <= 0 {
			return nil, contracts.DataQuality(symbol, "non-positive close on %s", b.Date.Format("2006-01-02"))
		}
		if b.Volume < 0 {
			return nil, contracts.DataQuality(symbol, "negative volume on %s", b.Date.Format("2006-01-02"))
		}
	}

	var volSum int64
	returns := make([]float64, 0, lookback)
	for i := 1; i < len(window); i++ {
		volSum += window[i].Volume
		returns = append(returns, float64(window[i].Close)/float64(window[i-1].Close)-1)
	}

	last := window[len(window)-1]
	return &Snapshot{
		Symbol:     symbol,
		Price:      last.Close,
		AvgVolume:  volSum / int64(lookback),
		Volatility: stdDev(returns),
		Momentum:   float64(last.Close)/float64(window[0].Close) - 1,
	}, nil
}

func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return math.Sqrt(v / float64(len(xs)))
}
