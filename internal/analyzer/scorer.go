package analyzer

import (
	"context"
	"math"

	"github.com/wonny/autotrader/internal/contracts"
)

// Scorer turns a symbol's price history into an analysis result.
// Implementations may be slow; the analyzer calls them under a timeout.
type Scorer interface {
	Score(ctx context.Context, symbol string, bars []contracts.DailyBar) (*contracts.AnalysisResult, error)
}

// Factor is an ATR multiple pair for one horizon
type Factor struct {
	Stop   float64
	Target float64
}

// TechnicalConfig configures the default scorer
type TechnicalConfig struct {
	ShortMomentumMin float64 // 5일 수익률이 이 이상이면 단기
	MinConfidence    float64
	Short            Factor
	Mid              Factor
	Long             Factor
}

// minHistory covers SMA120 plus the day before
const minHistory = 121

// TechnicalScorer is the default Scorer: SMA/RSI/MACD/ATR over daily closes
type TechnicalScorer struct {
	cfg TechnicalConfig
}

func NewTechnicalScorer(cfg TechnicalConfig) *TechnicalScorer {
	return &TechnicalScorer{cfg: cfg}
}

// Indicators is what the scorer computed for one symbol
type Indicators struct {
	Close      float64
	SMA20      float64
	SMA50      float64
	SMA60      float64
	SMA120     float64
	RSI14      float64
	MACD       float64
	Signal     float64
	ATR14      float64
	Momentum5D float64
}

// Compute derives the indicators from oldest-first bars
func Compute(symbol string, bars []contracts.DailyBar) (*Indicators, error) {
	if len(bars) < minHistory {
		return nil, contracts.DataQuality(symbol, "need %d daily bars, got %d", minHistory, len(bars))
	}

	closes := contracts.Closes(bars)
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		if b.Close <= 0 || b.High < b.Low {
			return nil, contracts.DataQuality(symbol, "malformed bar on %s", b.Date.Format("2006-01-02"))
		}
		highs[i] = float64(b.High)
		lows[i] = float64(b.Low)
	}

	last := closes[len(closes)-1]
	ind := &Indicators{
		Close:      last,
		SMA20:      SMA(closes, 20),
		SMA50:      SMA(closes, 50),
		SMA60:      SMA(closes, 60),
		SMA120:     SMA(closes, 120),
		RSI14:      RSI(closes, 14),
		ATR14:      ATR(highs, lows, closes, 14),
		Momentum5D: last/closes[len(closes)-6] - 1,
	}
	ind.MACD, ind.Signal = MACD(closes, 12, 26, 9)
	return ind, nil
}

// Score classifies the horizon and derives stop/target from ATR.
// A symbol with no buy signal is a DataQualityError.
func (s *TechnicalScorer) Score(ctx context.Context, symbol string, bars []contracts.DailyBar) (*contracts.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ind, err := Compute(symbol, bars)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(ind.ATR14) || ind.ATR14 <= 0 {
		return nil, contracts.DataQuality(symbol, "ATR unavailable")
	}

	// 매수 체크리스트: RSI 과매수 아님, MACD 골든, 50일선 위
	signals := 0
	if ind.RSI14 < 70 {
		signals++
	}
	if ind.MACD > ind.Signal {
		signals++
	}
	if ind.Close > ind.SMA50 {
		signals++
	}
	if signals == 0 {
		return nil, contracts.DataQuality(symbol, "no buy signal (rsi=%.1f macd=%.2f signal=%.2f)", ind.RSI14, ind.MACD, ind.Signal)
	}
	confidence := float64(signals) / 3
	if confidence < s.cfg.MinConfidence {
		return nil, contracts.DataQuality(symbol, "confidence %.2f below %.2f", confidence, s.cfg.MinConfidence)
	}

	horizon := s.classify(ind)
	f, err := s.factor(horizon)
	if err != nil {
		return nil, err
	}

	entry := int64(math.Round(ind.Close))
	stop := int64(math.Floor(ind.Close - f.Stop*ind.ATR14))
	target := int64(math.Ceil(ind.Close + f.Target*ind.ATR14))
	if stop < 1 {
		return nil, contracts.DataQuality(symbol, "stop below 1 KRW (atr=%.1f)", ind.ATR14)
	}

	return &contracts.AnalysisResult{
		Symbol:     symbol,
		Horizon:    horizon,
		Direction:  contracts.DirectionLong,
		EntryPrice: entry,
		StopLoss:   stop,
		Target:     target,
		Confidence: confidence,
	}, nil
}

func (s *TechnicalScorer) classify(ind *Indicators) contracts.Horizon {
	switch {
	case ind.Momentum5D >= s.cfg.ShortMomentumMin:
		return contracts.HorizonShort
	case ind.SMA60 > ind.SMA120:
		return contracts.HorizonLong
	default:
		return contracts.HorizonMid
	}
}

func (s *TechnicalScorer) factor(h contracts.Horizon) (Factor, error) {
	switch h {
	case contracts.HorizonShort:
		return s.cfg.Short, nil
	case contracts.HorizonMid:
		return s.cfg.Mid, nil
	case contracts.HorizonLong:
		return s.cfg.Long, nil
	default:
		return Factor{}, contracts.Configuration("analyzer.factor", "unknown horizon %q", h)
	}
}
