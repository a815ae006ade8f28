package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/screener"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/retry"
)

// stubScorer returns canned outcomes per symbol
type stubScorer struct {
	mu       sync.Mutex
	results  map[string]*contracts.AnalysisResult
	errs     map[string][]error // consumed in order
	blocking map[string]chan struct{}
	calls    map[string]int
}

func newStubScorer() *stubScorer {
	return &stubScorer{
		results:  map[string]*contracts.AnalysisResult{},
		errs:     map[string][]error{},
		blocking: map[string]chan struct{}{},
		calls:    map[string]int{},
	}
}

func (s *stubScorer) Score(ctx context.Context, symbol string, bars []contracts.DailyBar) (*contracts.AnalysisResult, error) {
	s.mu.Lock()
	s.calls[symbol]++
	block := s.blocking[symbol]
	var err error
	if q := s.errs[symbol]; len(q) > 0 {
		err, s.errs[symbol] = q[0], q[1:]
	}
	r := s.results[symbol]
	s.mu.Unlock()

	if block != nil {
		<-block // ignores ctx on purpose
	}
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, contracts.DataQuality(symbol, "no signal")
	}
	c := *r
	return &c, nil
}

func longResult(stop, entry, target int64) *contracts.AnalysisResult {
	return &contracts.AnalysisResult{
		Horizon: contracts.HorizonMid, Direction: contracts.DirectionLong,
		EntryPrice: entry, StopLoss: stop, Target: target, Confidence: 0.66,
	}
}

func setup(t *testing.T, scorer Scorer, symbols ...string) (*Analyzer, *MemoryStore) {
	t.Helper()
	fake := broker.NewFake("data")
	for _, sym := range append(symbols, "005930") {
		fake.SetBars(sym, barsFrom(series(130, func(i int) float64 { return 10_000 + 20*float64(i) })))
	}

	store := NewMemoryStore()
	a := New(Config{HistoryDays: 150, Concurrency: 3, ScoreTimeout: 50 * time.Millisecond, TrendSymbol: "005930"},
		scorer, fake, screener.NewMemoryCandidateStore(), store,
		retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}, logger.NewNop())
	return a, store
}

func candidates(symbols ...string) []contracts.Candidate {
	out := make([]contracts.Candidate, len(symbols))
	for i, s := range symbols {
		out[i] = contracts.Candidate{Symbol: s, RunID: "run-1"}
	}
	return out
}

func TestAnalyzeIsolatesFailures(t *testing.T) {
	scorer := newStubScorer()
	scorer.results["000660"] = longResult(90, 100, 110)
	scorer.results["035420"] = longResult(105, 100, 110) // stop above entry
	scorer.errs["035720"] = []error{errors.New("model crashed")}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	scorer.blocking["068270"] = release
	// "051910" has no result: no buy signal

	a, store := setup(t, scorer, "000660", "035420", "035720", "068270", "051910")
	res, err := a.Analyze(context.Background(), "run-1", candidates("000660", "035420", "035720", "068270", "051910"))
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "000660", res.Results[0].Symbol)
	assert.Equal(t, contracts.TrendBull, res.Trend)
	assert.Equal(t, contracts.TrendBull, res.Results[0].Trend)
	assert.NotEmpty(t, res.Results[0].ID)

	assert.Equal(t, 1, res.Summary.Succeeded)
	assert.Equal(t, 2, res.Summary.Skipped, "rejected ordering and no signal")
	assert.Equal(t, 2, res.Summary.Failed, "scorer error and timeout")

	_, err = store.Latest(context.Background(), "035420")
	assert.ErrorIs(t, err, contracts.ErrNotFound, "rejected result is not persisted")

	stored, err := store.Latest(context.Background(), "000660")
	require.NoError(t, err)
	assert.Equal(t, res.Results[0].ID, stored.ID)
}

func TestAnalyzeZeroSuccessIsPartial(t *testing.T) {
	scorer := newStubScorer()
	a, _ := setup(t, scorer, "000660", "035420")

	res, err := a.Analyze(context.Background(), "run-2", candidates("000660", "035420"))
	require.NoError(t, err)
	assert.True(t, res.Summary.Partial)
	assert.Empty(t, res.Results)
}

func TestAnalyzeRetriesTransientScoring(t *testing.T) {
	scorer := newStubScorer()
	scorer.results["000660"] = longResult(90, 100, 110)
	scorer.errs["000660"] = []error{contracts.TransientAPI("scorer", errors.New("busy"))}

	a, _ := setup(t, scorer, "000660")
	res, err := a.Analyze(context.Background(), "run-3", candidates("000660"))
	require.NoError(t, err)

	assert.Len(t, res.Results, 1)
	assert.Equal(t, 2, scorer.calls["000660"])
}

func TestRunReadsLatestCandidates(t *testing.T) {
	scorer := newStubScorer()
	scorer.results["000660"] = longResult(90, 100, 110)
	a, _ := setup(t, scorer, "000660")

	_, err := a.Run(context.Background())
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	cs := screener.NewMemoryCandidateStore()
	require.NoError(t, cs.Save(context.Background(), "run-4", candidates("000660")))
	a.candidates = cs

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-4", res.RunID)
	assert.Len(t, res.Results, 1)
}

func TestMemoryStoreSupersedes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC)

	newer := longResult(90, 100, 110)
	newer.Symbol, newer.ID, newer.AnalyzedAt = "000660", "new", base
	older := longResult(80, 100, 120)
	older.Symbol, older.ID, older.AnalyzedAt = "000660", "old", base.Add(-24*time.Hour)

	require.NoError(t, s.Save(ctx, newer))
	require.NoError(t, s.Save(ctx, older))

	got, err := s.Latest(ctx, "000660")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)

	for i, conf := range []float64{0.4, 0.9} {
		r := longResult(90, 100, 110)
		r.Symbol, r.ID, r.Confidence, r.AnalyzedAt = fmt.Sprintf("00000%d", i), fmt.Sprintf("r%d", i), conf, base
		require.NoError(t, s.Save(ctx, r))
	}

	list, err := s.LatestSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "000001", list[0].Symbol, "highest confidence first")

	list, err = s.LatestSince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, list)
}
