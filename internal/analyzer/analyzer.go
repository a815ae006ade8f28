// Package analyzer scores screened candidates into analysis results.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/retry"
	"github.com/wonny/autotrader/pkg/tracing"
)

// BarSource is the slice of marketdata.Provider the analyzer needs
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error)
}

// CandidateSource yields the latest screening run (screener.CandidateStore)
type CandidateSource interface {
	Latest(ctx context.Context) (string, []contracts.Candidate, error)
}

// Config controls fan-out and timeouts
type Config struct {
	HistoryDays  int
	Concurrency  int
	ScoreTimeout time.Duration
	TrendSymbol  string // 시장 추세 판단용 (삼성전자)
}

// Result is one analysis run
type Result struct {
	RunID   string
	Trend   contracts.Trend
	Results []*contracts.AnalysisResult
	Summary *contracts.RunSummary
}

// Analyzer runs the Scorer over candidates with bounded concurrency
// ⭐ SSOT: 분석 결과 생성/검증은 여기서만
type Analyzer struct {
	cfg        Config
	scorer     Scorer
	data       BarSource
	candidates CandidateSource
	store      Store
	policy     retry.Policy
	logger     *logger.Logger
	now        func() time.Time
	newID      func() string
}

// New creates an analyzer. policy wraps both bar loading and scoring.
func New(cfg Config, scorer Scorer, data BarSource, candidates CandidateSource, store Store, policy retry.Policy, log *logger.Logger) *Analyzer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Analyzer{
		cfg:        cfg,
		scorer:     scorer,
		data:       data,
		candidates: candidates,
		store:      store,
		policy:     policy,
		logger:     log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Run analyzes the latest screening run's candidates
func (a *Analyzer) Run(ctx context.Context) (*Result, error) {
	runID, cands, err := a.candidates.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	return a.Analyze(ctx, runID, cands)
}

// Analyze scores every candidate. A run where nothing succeeds is reported
// as partial and does not return an error.
func (a *Analyzer) Analyze(ctx context.Context, runID string, cands []contracts.Candidate) (res *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "analyzer.analyze")
	defer func() { tracing.End(span, err) }()

	summary := contracts.NewRunSummary("analysis", runID, a.now())

	trend, err := a.MarketTrend(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("Market trend unavailable")
		trend = ""
	}

	results := make([]*contracts.AnalysisResult, len(cands))
	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			r, err := a.analyzeOne(ctx, c.Symbol, trend)
			if err != nil {
				a.record(summary, c.Symbol, err)
				return nil
			}
			results[i] = r
			summary.Succeed(c.Symbol)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	accepted := make([]*contracts.AnalysisResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			accepted = append(accepted, r)
		}
	}

	summary.Finish(a.now())
	log := a.logger.WithFields(summary.Fields()).WithField("trend", trend)
	if summary.Partial {
		log.Warn("Analysis produced no results")
	} else {
		log.Info("Analysis completed")
	}

	return &Result{RunID: runID, Trend: trend, Results: accepted, Summary: summary}, nil
}

func (a *Analyzer) record(summary *contracts.RunSummary, symbol string, err error) {
	log := a.logger.WithError(err).WithField("symbol", symbol)
	if contracts.IsKind(err, contracts.KindDataQuality) {
		log.Info("Candidate dropped")
		summary.Skip(symbol, err.Error())
		return
	}
	log.Error("Candidate analysis failed")
	summary.Fail(symbol, err.Error())
}

func (a *Analyzer) analyzeOne(ctx context.Context, symbol string, trend contracts.Trend) (*contracts.AnalysisResult, error) {
	var bars []contracts.DailyBar
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		bars, err = a.data.DailyBars(ctx, symbol, a.cfg.HistoryDays)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}

	// ScoreTimeout governs scoring, not the broker attempt timeout
	scorePolicy := a.policy
	scorePolicy.AttemptTimeout = 0

	var r *contracts.AnalysisResult
	err = scorePolicy.Do(ctx, func(ctx context.Context) error {
		var err error
		r, err = a.score(ctx, symbol, bars)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, contracts.DataQuality(symbol, "scorer returned no result")
	}

	r.ID = a.newID()
	r.Symbol = symbol
	r.Trend = trend
	r.AnalyzedAt = a.now()
	if r.Direction == "" {
		r.Direction = contracts.DirectionLong
	}

	// 순서 검증 실패는 저장하지 않음
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("rejected result: %w", err)
	}

	if err := a.store.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	return r, nil
}

// score runs the scorer off the calling goroutine so a scorer that ignores
// ctx still cannot hold the run past ScoreTimeout.
func (a *Analyzer) score(ctx context.Context, symbol string, bars []contracts.DailyBar) (*contracts.AnalysisResult, error) {
	if a.cfg.ScoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ScoreTimeout)
		defer cancel()
	}

	type outcome struct {
		r   *contracts.AnalysisResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := a.scorer.Score(ctx, symbol, bars)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.r, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("score %s: %w", symbol, ctx.Err())
	}
}

// MarketTrend classifies the market from the trend symbol's history
func (a *Analyzer) MarketTrend(ctx context.Context) (contracts.Trend, error) {
	if a.cfg.TrendSymbol == "" {
		return "", contracts.Configuration("analyzer.trend", "trend symbol not configured")
	}
	bars, err := a.data.DailyBars(ctx, a.cfg.TrendSymbol, a.cfg.HistoryDays)
	if err != nil {
		return "", err
	}
	return DetectTrend(bars)
}
