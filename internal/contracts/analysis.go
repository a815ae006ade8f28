package contracts

import (
	"fmt"
	"time"
)

// Candidate is a symbol surfaced by screening. Ephemeral per run.
type Candidate struct {
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name,omitempty"`
	Score      float64   `json:"score"`
	Price      int64     `json:"price"`
	AvgVolume  int64     `json:"avg_volume"`
	Volatility float64   `json:"volatility"`
	RunID      string    `json:"run_id"`
	ScreenedAt time.Time `json:"screened_at"`
}

// AnalysisResult is the immutable output of scoring one candidate.
// A newer result for the same symbol supersedes it.
// ⭐ SSOT: Analyzer → Execution Engine 전달
type AnalysisResult struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Horizon    Horizon   `json:"horizon"`
	Direction  Direction `json:"direction"`
	EntryPrice int64     `json:"entry_price"`
	StopLoss   int64     `json:"stop_loss"`
	Target     int64     `json:"target"`
	Confidence float64   `json:"confidence"`
	Trend      Trend     `json:"trend,omitempty"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// Validate enforces stop < entry < target for longs and the mirror for shorts
func (r *AnalysisResult) Validate() error {
	if r.Symbol == "" {
		return DataQuality(r.Symbol, "analysis result without symbol")
	}
	if !r.Horizon.Valid() {
		return DataQuality(r.Symbol, "invalid horizon %q", r.Horizon)
	}
	if r.EntryPrice <= 0 || r.StopLoss <= 0 || r.Target <= 0 {
		return DataQuality(r.Symbol, "prices must be positive (entry=%d stop=%d target=%d)", r.EntryPrice, r.StopLoss, r.Target)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return DataQuality(r.Symbol, "confidence %.3f outside [0,1]", r.Confidence)
	}
	if r.AnalyzedAt.IsZero() {
		return DataQuality(r.Symbol, "analysis timestamp is required")
	}

	switch r.Direction {
	case DirectionLong:
		if !(r.StopLoss < r.EntryPrice && r.EntryPrice < r.Target) {
			return DataQuality(r.Symbol, "long requires stop < entry < target, got %d/%d/%d", r.StopLoss, r.EntryPrice, r.Target)
		}
	case DirectionShort:
		if !(r.Target < r.EntryPrice && r.EntryPrice < r.StopLoss) {
			return DataQuality(r.Symbol, "short requires target < entry < stop, got %d/%d/%d", r.Target, r.EntryPrice, r.StopLoss)
		}
	default:
		return DataQuality(r.Symbol, "invalid direction %q", r.Direction)
	}
	return nil
}

func (r *AnalysisResult) String() string {
	return fmt.Sprintf("%s %s %s entry=%d stop=%d target=%d conf=%.2f", r.Symbol, r.Horizon, r.Direction, r.EntryPrice, r.StopLoss, r.Target, r.Confidence)
}
