// Package app builds the process context once at startup and hands it to
// the CLI commands. Nothing below it reaches for globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/autotrader/internal/account"
	"github.com/wonny/autotrader/internal/analyzer"
	"github.com/wonny/autotrader/internal/api"
	"github.com/wonny/autotrader/internal/api/handlers"
	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/execution"
	"github.com/wonny/autotrader/internal/external/kis"
	"github.com/wonny/autotrader/internal/external/naver"
	"github.com/wonny/autotrader/internal/marketdata"
	"github.com/wonny/autotrader/internal/monitor"
	"github.com/wonny/autotrader/internal/notify"
	"github.com/wonny/autotrader/internal/scheduler"
	"github.com/wonny/autotrader/internal/scheduler/jobs"
	"github.com/wonny/autotrader/internal/screener"
	"github.com/wonny/autotrader/internal/strategyconfig"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/database"
	"github.com/wonny/autotrader/pkg/httputil"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/redis"
	"github.com/wonny/autotrader/pkg/retry"
	"github.com/wonny/autotrader/pkg/tracing"
)

const (
	executionWindow  = 12 * time.Hour
	analysisTimeout  = 30 * time.Minute
	monitorTimeout   = 2 * time.Minute
	naverRankTimeout = 10 * time.Second
)

// App is the process context
// ⭐ SSOT: 컴포넌트 생성/연결은 여기서만
type App struct {
	Config   *config.Config
	Strategy *strategyconfig.Config
	Logger   *logger.Logger

	DB    *database.DB // nil with the memory backend
	Redis *redis.Client

	Alerter   notify.Alerter
	Accounts  *account.Service
	Brokers   *broker.Registry
	Market    marketdata.Provider
	Prices    *marketdata.PriceCache
	Screener  *screener.Screener
	Analyzer  *analyzer.Analyzer
	Results   analyzer.Store
	Engine    *execution.Engine
	Monitor   *monitor.Monitor
	Hours     monitor.MarketHours
	Scheduler *scheduler.Scheduler

	jobStates       scheduler.StateStore
	shutdownTracing tracing.ShutdownFunc
}

// New wires every component. Callers must Close the app.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	strategy, hash, err := LoadStrategy(cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"strategy_id": strategy.Meta.StrategyID,
		"version":     strategy.Meta.Version,
		"hash":        hash,
	}).Info("Strategy loaded")

	a := &App{Config: cfg, Strategy: strategy, Logger: log}

	a.shutdownTracing, err = tracing.Init(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if err := a.initStores(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	if err := a.initComponents(); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

// stores bundles the persistence choice for one backend
type stores struct {
	accounts  account.Store
	positions execution.PositionStore
	orders    execution.OrderStore
	results   analyzer.Store
	jobStates scheduler.StateStore
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.Config

	rc, err := redis.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.Redis = rc

	var s stores
	switch cfg.StoreBackend {
	case "postgres":
		db, err := database.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.DB = db
		repo := execution.NewRepository(db.Pool)
		s = stores{
			accounts:  account.NewRepository(db.Pool),
			positions: repo.Positions(),
			orders:    repo.Orders(),
			results:   analyzer.NewRepository(db.Pool),
			jobStates: scheduler.NewRepository(db.Pool),
		}
	default:
		a.Logger.Warn("Using in-memory stores; state is lost on exit")
		s = stores{
			accounts:  account.NewMemoryStore(),
			positions: execution.NewMemoryPositionStore(),
			orders:    execution.NewMemoryOrderStore(),
			results:   analyzer.NewMemoryStore(),
			jobStates: scheduler.NewMemoryStateStore(),
		}
	}

	a.Accounts = account.NewService(s.accounts, s.positions, a.Logger)
	a.Results = s.results
	a.jobStates = s.jobStates
	a.Alerter = notify.New(cfg.Telegram, a.Logger)

	var limiter *redis.RateLimiter
	if rc.Enabled() {
		limiter = redis.NewRateLimiter(rc, "ratelimit")
	}
	a.Brokers = broker.NewRegistry(kis.NewFactory(cfg.KIS, a.Logger, limiter))

	a.Engine = execution.NewEngine(a.engineConfig(), a.Accounts, a.Brokers, s.positions, s.orders, a.Alerter, a.Logger)
	return nil
}

func (a *App) engineConfig() execution.Config {
	cfg, strat := a.Config, a.Strategy

	ec := execution.DefaultConfig()
	ec.MaxPositionFraction = strat.Execution.MaxPositionFraction
	ec.Concurrency = strat.Execution.Concurrency
	ec.OrderType = strat.Execution.OrderType
	ec.BrokerTimeout = cfg.Engine.BrokerTimeout
	ec.Submit.MaxAttempts = cfg.Engine.BrokerMaxAttempts
	ec.Exit = retry.Policy{
		MaxAttempts:  strat.Exit.MaxAttempts,
		InitialDelay: strat.Exit.InitialBackoff,
		MaxDelay:     strat.Exit.MaxBackoff,
		Multiplier:   2,
	}
	return ec
}

func (a *App) initComponents() error {
	cfg, strat, log := a.Config, a.Strategy, a.Logger
	loc := cfg.Location()

	a.Market = marketdata.NewCachedProvider(
		marketdata.NewBrokerProvider(a.Accounts, a.Brokers),
		redis.NewCache(a.Redis, "bars"),
		loc,
		log,
	)
	a.Prices = marketdata.NewPriceCache(cfg.Monitor.PriceTTL, log)

	var candidates screener.CandidateStore = screener.NewMemoryCandidateStore()
	if a.Redis.Enabled() {
		candidates = screener.NewRedisCandidateStore(redis.NewCache(a.Redis, "candidates"))
	}

	sc := strat.Screening
	a.Screener = screener.NewScreener(screener.Config{
		MinPrice:        sc.Filters.PriceMinKRW,
		MinAvgVolume:    sc.Filters.AvgVolumeMin,
		MinVolatility:   sc.Filters.VolatilityMin,
		MaxVolatility:   sc.Filters.VolatilityMax,
		LookbackDays:    sc.Filters.LookbackDays,
		LiquidityWeight: sc.Weights.Liquidity,
		MomentumWeight:  sc.Weights.Momentum,
		MaxCandidates:   sc.MaxCandidates,
		Concurrency:     cfg.Scheduler.WorkerLimit,
	}, a.universe(), a.Market, candidates, log)

	an := strat.Analysis
	scorer := analyzer.NewTechnicalScorer(analyzer.TechnicalConfig{
		ShortMomentumMin: an.ShortMomentumMin,
		MinConfidence:    an.MinConfidence,
		Short:            analyzer.Factor(an.ATR.Short),
		Mid:              analyzer.Factor(an.ATR.Mid),
		Long:             analyzer.Factor(an.ATR.Long),
	})
	a.Analyzer = analyzer.New(analyzer.Config{
		HistoryDays:  an.HistoryDays,
		Concurrency:  an.Concurrency,
		ScoreTimeout: an.ScoreTimeout,
		TrendSymbol:  an.TrendSymbol,
	}, scorer, a.Market, candidates, a.Results, retry.Default(), log)

	hours, err := monitor.NewMarketHours(strat.Meta.MarketWindow.Start, strat.Meta.MarketWindow.End, loc)
	if err != nil {
		return err
	}
	a.Hours = hours
	a.Monitor = monitor.New(monitor.Config{
		PendingPollAfter: cfg.Monitor.PendingPollAfter,
		EntryTimeout:     cfg.Monitor.EntryTimeout,
	}, a.Engine, a.Accounts, a.Brokers, a.Market, a.Prices, a.Alerter, log)

	a.Scheduler = scheduler.New(scheduler.Options{
		Location:         loc,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		States:           a.jobStates,
		Alerter:          a.Alerter,
	}, log)
	return nil
}

// universe merges the configured listing sources
func (a *App) universe() *screener.Universe {
	u := a.Strategy.Screening.Universe

	sources := []screener.Source{screener.NewStaticSource("blue_chips", u.BlueChips)}
	if len(u.Symbols) > 0 {
		sources = append(sources, screener.NewStaticSource("configured", u.Symbols))
	}
	if u.VolumeRankTopN > 0 {
		sources = append(sources, screener.NewKISRankSource(a.kisRanker, u.VolumeRankTopN))
	}

	var fallback screener.Source
	if u.UseNaverRank {
		client := naver.NewClient(httputil.New(a.Logger, naverRankTimeout), a.Logger, a.Config.Naver.BaseURL)
		topN := u.VolumeRankTopN
		if topN <= 0 {
			topN = a.Config.Screener.VolumeRankTopN
		}
		fallback = screener.NewNaverRankSource(client, topN)
	}

	return screener.NewUniverse(sources, fallback, screener.Exclusions{
		Suffixes: u.ExcludeSuffix,
		Contains: u.ExcludeContain,
	}, a.Logger)
}

// kisRanker uses the first active account's client for ranking queries
func (a *App) kisRanker(ctx context.Context) (screener.KISRanker, error) {
	accounts, err := a.Accounts.ActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.New("no active account for volume rank")
	}
	b, err := a.Brokers.For(accounts[0])
	if err != nil {
		return nil, err
	}
	ranker, ok := b.(screener.KISRanker)
	if !ok {
		return nil, fmt.Errorf("broker for %s has no volume rank", accounts[0].ID)
	}
	return ranker, nil
}

// RegisterJobs adds the pipeline and monitor jobs to the scheduler
func (a *App) RegisterJobs(ctx context.Context) error {
	cfg, log := a.Config.Scheduler, a.Logger

	var session jobs.Session = a.Hours
	if a.Config.Monitor.IgnoreMarketHours {
		session = nil
	}

	all := []scheduler.Job{
		jobs.NewScreeningJob(a.Screener, cfg.ScreeningSpec, log),
		jobs.NewAnalysisJob(a.Analyzer, cfg.AnalysisSpec, analysisTimeout, log),
		jobs.NewExecutionJob(a.Engine, a.Results, cfg.ExecutionSpec, executionWindow, log),
		jobs.NewMonitorJob(a.Monitor, session, cfg.MonitorSpec, monitorTimeout, log),
		jobs.NewReconcileJob(a.Monitor, cfg.ReconcileSpec, log),
	}
	for _, j := range all {
		if err := a.Scheduler.AddJob(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// Restore rebuilds in-memory engine state from the stores
func (a *App) Restore(ctx context.Context) error {
	return a.Engine.Restore(ctx)
}

// APIServer builds the operator API server
func (a *App) APIServer() *api.Server {
	router := api.NewRouter(
		handlers.NewPositionHandler(a.Engine, a.Logger),
		handlers.NewJobHandler(a.Scheduler, a.Logger),
		a.Logger,
	)
	return api.New(a.Config, a.Logger, router)
}

// Close releases connections and flushes traces
func (a *App) Close(ctx context.Context) {
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.Logger.WithError(err).Warn("Failed to flush traces")
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
