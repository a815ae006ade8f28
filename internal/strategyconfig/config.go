package strategyconfig

import "time"

// Config는 스크리닝/분석/주문 전략의 전체 설정
// env 설정(pkg/config)은 인프라, 이 파일은 전략 파라미터
type Config struct {
	Meta      Meta      `yaml:"meta" json:"meta"`
	Screening Screening `yaml:"screening" json:"screening"`
	Analysis  Analysis  `yaml:"analysis" json:"analysis"`
	Execution Execution `yaml:"execution" json:"execution"`
	Exit      Exit      `yaml:"exit" json:"exit"`
}

// Meta 메타 정보
type Meta struct {
	StrategyID   string `yaml:"strategy_id" json:"strategy_id"`
	Version      string `yaml:"version" json:"version"`
	Timezone     string `yaml:"timezone" json:"timezone"`
	MarketWindow Window `yaml:"market_window" json:"market_window"`
}

type Window struct {
	Start string `yaml:"start" json:"start"` // HH:MM
	End   string `yaml:"end" json:"end"`     // HH:MM
}

// Screening 유니버스 -> 후보
type Screening struct {
	Universe      Universe     `yaml:"universe" json:"universe"`
	Filters       Filters      `yaml:"filters" json:"filters"`
	Weights       ScoreWeights `yaml:"weights" json:"weights"`
	MaxCandidates int          `yaml:"max_candidates" json:"max_candidates"`
}

type Universe struct {
	BlueChips      []string `yaml:"blue_chips" json:"blue_chips"`
	Symbols        []string `yaml:"symbols" json:"symbols"`
	VolumeRankTopN int      `yaml:"volume_rank_top_n" json:"volume_rank_top_n"`
	UseNaverRank   bool     `yaml:"use_naver_rank" json:"use_naver_rank"`
	ExcludeSuffix  []string `yaml:"exclude_suffix" json:"exclude_suffix"`   // 우선주 "우"
	ExcludeContain []string `yaml:"exclude_contain" json:"exclude_contain"` // 스팩, ETN, TIGER, KODEX
}

type Filters struct {
	PriceMinKRW   int64   `yaml:"price_min_krw" json:"price_min_krw"`
	AvgVolumeMin  int64   `yaml:"avg_volume_min" json:"avg_volume_min"` // 20일 평균 거래량 (주)
	VolatilityMin float64 `yaml:"volatility_min" json:"volatility_min"` // 20일 일간수익률 표준편차
	VolatilityMax float64 `yaml:"volatility_max" json:"volatility_max"`
	LookbackDays  int     `yaml:"lookback_days" json:"lookback_days"`
}

// ScoreWeights 후보 점수 = liquidity * rank + momentum * 20일 수익률
type ScoreWeights struct {
	Liquidity float64 `yaml:"liquidity" json:"liquidity"`
	Momentum  float64 `yaml:"momentum" json:"momentum"`
}

// Analysis 기본 TechnicalScorer 파라미터
type Analysis struct {
	HistoryDays      int           `yaml:"history_days" json:"history_days"`
	Concurrency      int           `yaml:"concurrency" json:"concurrency"`
	ScoreTimeout     time.Duration `yaml:"score_timeout" json:"score_timeout"`
	MinConfidence    float64       `yaml:"min_confidence" json:"min_confidence"`
	ShortMomentumMin float64       `yaml:"short_momentum_min" json:"short_momentum_min"` // 5일 수익률
	ATR              ATRFactors    `yaml:"atr" json:"atr"`
	TrendSymbol      string        `yaml:"trend_symbol" json:"trend_symbol"`
}

// ATRFactors 호라이즌별 손절/목표 ATR 배수
type ATRFactors struct {
	Short Factor `yaml:"short" json:"short"`
	Mid   Factor `yaml:"mid" json:"mid"`
	Long  Factor `yaml:"long" json:"long"`
}

type Factor struct {
	Stop   float64 `yaml:"stop" json:"stop"`
	Target float64 `yaml:"target" json:"target"`
}

// Execution 진입 주문
type Execution struct {
	MaxPositionFraction float64 `yaml:"max_position_fraction" json:"max_position_fraction"`
	Concurrency         int     `yaml:"concurrency" json:"concurrency"`
	OrderType           string  `yaml:"order_type" json:"order_type"` // market | limit
}

// Exit 청산 재시도
type Exit struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultBlueChips 유니버스 기본 대형주
var DefaultBlueChips = []string{
	"005930", // 삼성전자
	"000660", // SK하이닉스
	"005380", // 현대차
	"005490", // POSCO홀딩스
	"035420", // NAVER
	"000270", // 기아
	"035720", // 카카오
	"068270", // 셀트리온
	"051910", // LG화학
	"006400", // 삼성SDI
}

// Default returns the built-in strategy used when no STRATEGY_FILE is set
func Default() *Config {
	return &Config{
		Meta: Meta{
			StrategyID:   "kis_horizon_v1",
			Version:      "1",
			Timezone:     "Asia/Seoul",
			MarketWindow: Window{Start: "09:00", End: "15:30"},
		},
		Screening: Screening{
			Universe: Universe{
				BlueChips:      append([]string(nil), DefaultBlueChips...),
				VolumeRankTopN: 20,
				ExcludeSuffix:  []string{"우", "우B"},
				ExcludeContain: []string{"스팩", "ETN", "TIGER", "KODEX"},
			},
			Filters: Filters{
				PriceMinKRW:   1_000,
				AvgVolumeMin:  100_000,
				VolatilityMin: 0.005,
				VolatilityMax: 0.08,
				LookbackDays:  20,
			},
			Weights:       ScoreWeights{Liquidity: 0.6, Momentum: 0.4},
			MaxCandidates: 20,
		},
		Analysis: Analysis{
			HistoryDays:      150,
			Concurrency:      4,
			ScoreTimeout:     30 * time.Second,
			MinConfidence:    0.3,
			ShortMomentumMin: 0.05,
			ATR: ATRFactors{
				Short: Factor{Stop: 1.5, Target: 3.0},
				Mid:   Factor{Stop: 2.0, Target: 4.0},
				Long:  Factor{Stop: 2.5, Target: 5.0},
			},
			TrendSymbol: "005930",
		},
		Execution: Execution{
			MaxPositionFraction: 0.2,
			Concurrency:         4,
			OrderType:           "market",
		},
		Exit: Exit{
			MaxAttempts:    5,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Minute,
		},
	}
}
