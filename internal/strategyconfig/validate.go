package strategyconfig

import (
	"fmt"
	"time"
)

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks all required constraints and returns every violation
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{field, fmt.Sprintf(format, args...)})
	}

	// === Meta ===
	if cfg.Meta.StrategyID == "" {
		add("meta.strategy_id", "required")
	}
	if _, err := time.LoadLocation(cfg.Meta.Timezone); err != nil {
		add("meta.timezone", "%v", err)
	}
	start, errStart := parseHHMM(cfg.Meta.MarketWindow.Start)
	if errStart != nil {
		add("meta.market_window.start", "%v", errStart)
	}
	end, errEnd := parseHHMM(cfg.Meta.MarketWindow.End)
	if errEnd != nil {
		add("meta.market_window.end", "%v", errEnd)
	}
	if errStart == nil && errEnd == nil && !start.Before(end) {
		add("meta.market_window", "start must be before end")
	}

	// === Screening ===
	sc := cfg.Screening
	if len(sc.Universe.BlueChips)+len(sc.Universe.Symbols) == 0 && sc.Universe.VolumeRankTopN <= 0 && !sc.Universe.UseNaverRank {
		add("screening.universe", "at least one universe source is required")
	}
	for _, sym := range append(append([]string(nil), sc.Universe.BlueChips...), sc.Universe.Symbols...) {
		if len(sym) != 6 {
			add("screening.universe", "symbol %q must be a 6-digit code", sym)
		}
	}
	if sc.Filters.PriceMinKRW < 0 {
		add("screening.filters.price_min_krw", "must be >= 0")
	}
	if sc.Filters.AvgVolumeMin < 0 {
		add("screening.filters.avg_volume_min", "must be >= 0")
	}
	if sc.Filters.VolatilityMin < 0 || sc.Filters.VolatilityMax <= sc.Filters.VolatilityMin {
		add("screening.filters.volatility", "need 0 <= min < max, got [%g, %g]", sc.Filters.VolatilityMin, sc.Filters.VolatilityMax)
	}
	if sc.Filters.LookbackDays < 2 {
		add("screening.filters.lookback_days", "must be >= 2")
	}
	if sc.Weights.Liquidity < 0 || sc.Weights.Momentum < 0 || sc.Weights.Liquidity+sc.Weights.Momentum == 0 {
		add("screening.weights", "weights must be non-negative and not both zero")
	}
	if sc.MaxCandidates < 1 {
		add("screening.max_candidates", "must be >= 1")
	}

	// === Analysis ===
	an := cfg.Analysis
	if an.HistoryDays < 121 {
		add("analysis.history_days", "must be >= 121 (SMA120 needs it)")
	}
	if an.Concurrency < 1 {
		add("analysis.concurrency", "must be >= 1")
	}
	if an.ScoreTimeout <= 0 {
		add("analysis.score_timeout", "must be > 0")
	}
	if an.MinConfidence < 0 || an.MinConfidence > 1 {
		add("analysis.min_confidence", "must be in [0, 1]")
	}
	for name, f := range map[string]Factor{"short": an.ATR.Short, "mid": an.ATR.Mid, "long": an.ATR.Long} {
		if f.Stop <= 0 || f.Target <= 0 {
			add("analysis.atr."+name, "stop and target factors must be > 0")
		}
	}
	if len(an.TrendSymbol) != 6 {
		add("analysis.trend_symbol", "must be a 6-digit code")
	}

	// === Execution ===
	ex := cfg.Execution
	if ex.MaxPositionFraction <= 0 || ex.MaxPositionFraction > 1 {
		add("execution.max_position_fraction", "must be in (0, 1]")
	}
	if ex.Concurrency < 1 {
		add("execution.concurrency", "must be >= 1")
	}
	if ex.OrderType != "market" && ex.OrderType != "limit" {
		add("execution.order_type", "must be market or limit")
	}

	// === Exit ===
	if cfg.Exit.MaxAttempts < 1 {
		add("exit.max_attempts", "must be >= 1")
	}
	if cfg.Exit.InitialBackoff <= 0 || cfg.Exit.MaxBackoff < cfg.Exit.InitialBackoff {
		add("exit.backoff", "need 0 < initial_backoff <= max_backoff")
	}

	return errs
}

func parseHHMM(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM %q", s)
	}
	return t, nil
}
