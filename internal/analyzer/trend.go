package analyzer

import (
	"fmt"

	"github.com/wonny/autotrader/internal/contracts"
)

// DetectTrend classifies the market from an index proxy's bars:
// BULL when price > SMA20 > SMA60 > SMA120, BEAR for the reverse.
func DetectTrend(bars []contracts.DailyBar) (contracts.Trend, error) {
	if len(bars) < 120 {
		return "", contracts.DataQuality("", "trend needs 120 daily bars, got %d", len(bars))
	}
	closes := contracts.Closes(bars)
	price := closes[len(closes)-1]
	sma20, sma60, sma120 := SMA(closes, 20), SMA(closes, 60), SMA(closes, 120)

	switch {
	case price > sma20 && sma20 > sma60 && sma60 > sma120:
		return contracts.TrendBull, nil
	case price < sma20 && sma20 < sma60 && sma60 < sma120:
		return contracts.TrendBear, nil
	default:
		return contracts.TrendSideways, nil
	}
}

// RecommendAllocation suggests short/mid/long percentages for a trend.
// Advisory only; accounts are never changed automatically.
func RecommendAllocation(trend contracts.Trend) (contracts.Allocation, error) {
	switch trend {
	case contracts.TrendBull:
		return contracts.Allocation{Short: 40, Mid: 40, Long: 20}, nil
	case contracts.TrendBear:
		return contracts.Allocation{Short: 20, Mid: 30, Long: 50}, nil
	case contracts.TrendSideways:
		return contracts.Allocation{Short: 30, Mid: 40, Long: 30}, nil
	default:
		return contracts.Allocation{}, fmt.Errorf("unknown trend %q", trend)
	}
}
