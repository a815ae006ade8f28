package app

import (
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/strategyconfig"
	"github.com/wonny/autotrader/pkg/config"
)

// LoadStrategy returns the strategy and its hash.
// STRATEGY_FILE wins when set; otherwise the built-in default is overlaid
// with the environment settings.
func LoadStrategy(cfg *config.Config) (*strategyconfig.Config, string, error) {
	var strat *strategyconfig.Config
	if cfg.StrategyFile != "" {
		s, _, err := strategyconfig.Load(cfg.StrategyFile)
		if err != nil {
			return nil, "", err
		}
		strat = s
	} else {
		strat = strategyconfig.Default()
		overlayEnv(strat, cfg)
		if verrs := strategyconfig.Validate(strat); len(verrs) > 0 {
			return nil, "", contracts.Configuration("app.strategy", "%v", verrs[0])
		}
	}

	hash, err := strategyconfig.Hash(strat)
	if err != nil {
		return nil, "", err
	}
	return strat, hash, nil
}

func overlayEnv(s *strategyconfig.Config, cfg *config.Config) {
	s.Meta.Timezone = cfg.Scheduler.Timezone
	s.Meta.MarketWindow = strategyconfig.Window{Start: cfg.Monitor.MarketOpen, End: cfg.Monitor.MarketClose}

	u := &s.Screening.Universe
	u.Symbols = cfg.Screener.Symbols
	u.UseNaverRank = cfg.Screener.UseNaverRank
	if cfg.Screener.UseVolumeRank {
		u.VolumeRankTopN = cfg.Screener.VolumeRankTopN
	} else {
		u.VolumeRankTopN = 0
	}
	s.Screening.MaxCandidates = cfg.Screener.MaxCandidates

	s.Execution.MaxPositionFraction = cfg.Engine.MaxPositionFraction
	s.Exit = strategyconfig.Exit{
		MaxAttempts:    cfg.Engine.ExitMaxAttempts,
		InitialBackoff: cfg.Engine.ExitInitialBackoff,
		MaxBackoff:     cfg.Engine.ExitMaxBackoff,
	}
}
