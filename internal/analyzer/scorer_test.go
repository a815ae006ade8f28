package analyzer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/contracts"
)

func barsFrom(closes []float64) []contracts.DailyBar {
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]contracts.DailyBar, len(closes))
	for i, c := range closes {
		v := int64(math.Round(c))
		bars[i] = contracts.DailyBar{
			Date: start.AddDate(0, 0, i), Open: v, High: v + 50, Low: v - 50, Close: v, Volume: 100_000,
		}
	}
	return bars
}

func series(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func testScorer() *TechnicalScorer {
	return NewTechnicalScorer(TechnicalConfig{
		ShortMomentumMin: 0.05,
		MinConfidence:    0.3,
		Short:            Factor{Stop: 1.5, Target: 3.0},
		Mid:              Factor{Stop: 2.0, Target: 4.0},
		Long:             Factor{Stop: 2.5, Target: 5.0},
	})
}

func TestScoreShortHorizonOnMomentum(t *testing.T) {
	closes := series(125, func(i int) float64 { return 10_000 + 10*float64(i) })
	for i := 0; i < 5; i++ {
		closes = append(closes, closes[len(closes)-1]*1.03)
	}
	bars := barsFrom(closes)

	r, err := testScorer().Score(context.Background(), "005930", bars)
	require.NoError(t, err)

	assert.Equal(t, contracts.HorizonShort, r.Horizon)
	assert.Equal(t, contracts.DirectionLong, r.Direction)
	assert.InDelta(t, 2.0/3, r.Confidence, 1e-9, "RSI is overbought, MACD and SMA50 agree")

	ind, err := Compute("005930", bars)
	require.NoError(t, err)
	assert.Equal(t, int64(math.Floor(ind.Close-1.5*ind.ATR14)), r.StopLoss)
	assert.Equal(t, int64(math.Ceil(ind.Close+3.0*ind.ATR14)), r.Target)
	assert.True(t, r.StopLoss < r.EntryPrice && r.EntryPrice < r.Target)
}

func TestScoreLongHorizonOnTrend(t *testing.T) {
	closes := series(130, func(i int) float64 { return 10_000 + 10*float64(i) + float64(i%2)*40 })
	bars := barsFrom(closes)

	r, err := testScorer().Score(context.Background(), "000660", bars)
	require.NoError(t, err)

	assert.Equal(t, contracts.HorizonLong, r.Horizon)
	assert.GreaterOrEqual(t, r.Confidence, 2.0/3-1e-9)

	ind, err := Compute("000660", bars)
	require.NoError(t, err)
	assert.InDelta(t, 62.5, ind.RSI14, 1e-9)
	assert.InDelta(t, 2.5*ind.ATR14, float64(r.EntryPrice-r.StopLoss), 1.0)
}

func TestScoreMidHorizon(t *testing.T) {
	closes := series(130, func(i int) float64 { return 20_000 - 10*float64(i) + float64(i%2)*40 })

	r, err := testScorer().Score(context.Background(), "035420", barsFrom(closes))
	require.NoError(t, err)

	assert.Equal(t, contracts.HorizonMid, r.Horizon)
	assert.GreaterOrEqual(t, r.Confidence, 1.0/3-1e-9)
	assert.NoError(t, (&contracts.AnalysisResult{
		Symbol: "035420", Horizon: r.Horizon, Direction: r.Direction, EntryPrice: r.EntryPrice,
		StopLoss: r.StopLoss, Target: r.Target, Confidence: r.Confidence, AnalyzedAt: time.Now(),
	}).Validate())
}

func TestScoreInsufficientHistory(t *testing.T) {
	closes := series(50, func(i int) float64 { return 10_000 })
	_, err := testScorer().Score(context.Background(), "005930", barsFrom(closes))
	assert.True(t, contracts.IsKind(err, contracts.KindDataQuality))
}

func TestScoreHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testScorer().Score(ctx, "005930", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectTrend(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		want   contracts.Trend
	}{
		{"bull", series(130, func(i int) float64 { return 10_000 + 20*float64(i) }), contracts.TrendBull},
		{"bear", series(130, func(i int) float64 { return 20_000 - 20*float64(i) }), contracts.TrendBear},
		{"sideways", series(130, func(i int) float64 { return 10_000 }), contracts.TrendSideways},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectTrend(barsFrom(tt.closes))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DetectTrend(barsFrom(series(30, func(i int) float64 { return 1 })))
	assert.Error(t, err)
}

func TestRecommendAllocation(t *testing.T) {
	tests := []struct {
		trend contracts.Trend
		want  contracts.Allocation
	}{
		{contracts.TrendBull, contracts.Allocation{Short: 40, Mid: 40, Long: 20}},
		{contracts.TrendBear, contracts.Allocation{Short: 20, Mid: 30, Long: 50}},
		{contracts.TrendSideways, contracts.Allocation{Short: 30, Mid: 40, Long: 30}},
	}
	for _, tt := range tests {
		got, err := RecommendAllocation(tt.trend)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.NoError(t, got.Validate())
	}

	_, err := RecommendAllocation("CRASH")
	assert.Error(t, err)
}
