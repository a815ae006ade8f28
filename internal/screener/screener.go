// Package screener turns the universe into ranked candidates.
package screener

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/tracing"
)

// BarSource is the slice of marketdata.Provider the screener needs
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error)
}

// Config defines filters and score weights
type Config struct {
	MinPrice        int64
	MinAvgVolume    int64
	MinVolatility   float64
	MaxVolatility   float64
	LookbackDays    int
	LiquidityWeight float64
	MomentumWeight  float64
	MaxCandidates   int
	Concurrency     int
}

// Result is one screening run
type Result struct {
	RunID      string
	Candidates []contracts.Candidate
	Summary    *contracts.RunSummary
}

// Screener implements universe -> candidates
// ⭐ SSOT: 스크리닝 로직은 여기서만
type Screener struct {
	config   Config
	universe *Universe
	data     BarSource
	store    CandidateStore
	logger   *logger.Logger
	now      func() time.Time
}

// NewScreener creates a new screener
func NewScreener(config Config, universe *Universe, data BarSource, store CandidateStore, log *logger.Logger) *Screener {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Screener{
		config:   config,
		universe: universe,
		data:     data,
		store:    store,
		logger:   log,
		now:      time.Now,
	}
}

type screened struct {
	listing  Listing
	snapshot *Snapshot
	err      error
}

// Run screens the universe and stores the candidates under runID.
// Per-symbol failures are recorded in the summary; only universe and
// store failures fail the run.
func (s *Screener) Run(ctx context.Context, runID string) (res *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "screener.run")
	defer func() { tracing.End(span, err) }()

	summary := contracts.NewRunSummary("screening", runID, s.now())

	listings, err := s.universe.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build universe: %w", err)
	}

	results := make([]screened, len(listings))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, l := range listings {
		i, l := i, l
		g.Go(func() error {
			results[i] = s.snapshot(ctx, l)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var passed []*Snapshot
	for _, r := range results {
		sym := r.listing.Symbol
		if r.err != nil {
			log := s.logger.WithError(r.err).WithField("symbol", sym)
			if contracts.IsKind(r.err, contracts.KindDataQuality) {
				log.Warn("Skipping symbol with bad market data")
				summary.Skip(sym, r.err.Error())
			} else {
				log.Error("Failed to load market data")
				summary.Fail(sym, r.err.Error())
			}
			continue
		}
		if reason := s.filter(r.snapshot); reason != "" {
			summary.Skip(sym, reason)
			continue
		}
		passed = append(passed, r.snapshot)
	}

	candidates := s.rank(passed, runID)
	if limit := s.config.MaxCandidates; limit > 0 && len(candidates) > limit {
		for _, c := range candidates[limit:] {
			summary.Skip(c.Symbol, "below candidate cutoff")
		}
		candidates = candidates[:limit]
	}
	for _, c := range candidates {
		summary.Succeed(c.Symbol)
	}

	if err := s.store.Save(ctx, runID, candidates); err != nil {
		return nil, fmt.Errorf("save candidates: %w", err)
	}

	summary.Finish(s.now())
	s.logger.WithFields(summary.Fields()).WithField("candidates", len(candidates)).Info("Screening completed")

	return &Result{RunID: runID, Candidates: candidates, Summary: summary}, nil
}

func (s *Screener) snapshot(ctx context.Context, l Listing) screened {
	bars, err := s.data.DailyBars(ctx, l.Symbol, s.config.LookbackDays+1)
	if err != nil {
		return screened{listing: l, err: err}
	}
	snap, err := BuildSnapshot(l.Symbol, bars, s.config.LookbackDays)
	if err != nil {
		return screened{listing: l, err: err}
	}
	snap.Name = l.Name
	return screened{listing: l, snapshot: snap}
}

// filter returns the reason a snapshot is dropped, or ""
func (s *Screener) filter(snap *Snapshot) string {
	switch {
	case snap.Price < s.config.MinPrice:
		return fmt.Sprintf("price %d below minimum %d", snap.Price, s.config.MinPrice)
	case snap.AvgVolume < s.config.MinAvgVolume:
		return fmt.Sprintf("average volume %d below minimum %d", snap.AvgVolume, s.config.MinAvgVolume)
	case snap.Volatility < s.config.MinVolatility:
		return fmt.Sprintf("volatility %.4f below %.4f", snap.Volatility, s.config.MinVolatility)
	case s.config.MaxVolatility > 0 && snap.Volatility > s.config.MaxVolatility:
		return fmt.Sprintf("volatility %.4f above %.4f", snap.Volatility, s.config.MaxVolatility)
	}
	return ""
}

// rank scores snapshots: liquidity rank in [0,1] plus raw momentum, weighted.
// Ties break on symbol so a run is a pure function of its input.
func (s *Screener) rank(snaps []*Snapshot, runID string) []contracts.Candidate {
	if len(snaps) == 0 {
		return nil
	}

	byVolume := make([]*Snapshot, len(snaps))
	copy(byVolume, snaps)
	sort.SliceStable(byVolume, func(i, j int) bool {
		if byVolume[i].AvgVolume != byVolume[j].AvgVolume {
			return byVolume[i].AvgVolume < byVolume[j].AvgVolume
		}
		return byVolume[i].Symbol < byVolume[j].Symbol
	})

	liquidity := make(map[string]float64, len(snaps))
	for i, snap := range byVolume {
		if len(byVolume) == 1 {
			liquidity[snap.Symbol] = 1
			continue
		}
		liquidity[snap.Symbol] = float64(i) / float64(len(byVolume)-1)
	}

	now := s.now()
	out := make([]contracts.Candidate, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, contracts.Candidate{
			Symbol:     snap.Symbol,
			Name:       snap.Name,
			Score:      s.config.LiquidityWeight*liquidity[snap.Symbol] + s.config.MomentumWeight*snap.Momentum,
			Price:      snap.Price,
			AvgVolume:  snap.AvgVolume,
			Volatility: snap.Volatility,
			RunID:      runID,
			ScreenedAt: now,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
