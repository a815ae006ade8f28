package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:          "development",
		StoreBackend: "memory",
		KIS:          config.KISConfig{Timeout: time.Second, RealRPS: 1, VirtualRPS: 1},
		Naver:        config.NaverConfig{BaseURL: "http://127.0.0.1:0"},
		Scheduler: config.SchedulerConfig{
			Timezone:         "Asia/Seoul",
			ScreeningSpec:    "0 50 8 * * 1-5",
			AnalysisSpec:     "0 55 8 * * 1-5",
			ExecutionSpec:    "0 5 9 * * 1-5",
			MonitorSpec:      "@every 30s",
			ReconcileSpec:    "0 */10 9-15 * * 1-5",
			FailureThreshold: 3,
			WorkerLimit:      2,
		},
		Engine: config.EngineConfig{
			MaxPositionFraction: 0.1,
			ExitMaxAttempts:     4,
			ExitInitialBackoff:  time.Second,
			ExitMaxBackoff:      time.Minute,
			BrokerTimeout:       time.Second,
			BrokerMaxAttempts:   2,
		},
		Monitor: config.MonitorConfig{
			PendingPollAfter: 20 * time.Second,
			EntryTimeout:     30 * time.Minute,
			PriceTTL:         5 * time.Second,
			MarketOpen:       "09:00",
			MarketClose:      "15:30",
		},
		Screener: config.ScreenerConfig{
			MaxCandidates:  7,
			Symbols:        []string{"373220"},
			UseVolumeRank:  false,
			VolumeRankTopN: 20,
		},
	}
}

func TestLoadStrategyOverlaysEnv(t *testing.T) {
	strat, hash, err := LoadStrategy(testConfig())
	require.NoError(t, err)

	assert.NotEmpty(t, hash)
	assert.Equal(t, 7, strat.Screening.MaxCandidates)
	assert.Equal(t, []string{"373220"}, strat.Screening.Universe.Symbols)
	assert.Zero(t, strat.Screening.Universe.VolumeRankTopN)
	assert.InDelta(t, 0.1, strat.Execution.MaxPositionFraction, 1e-9)
	assert.Equal(t, 4, strat.Exit.MaxAttempts)
}

func TestLoadStrategyFileWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("screening:\n  max_candidates: 3\n"), 0o600))

	cfg := testConfig()
	cfg.StrategyFile = path

	strat, _, err := LoadStrategy(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, strat.Screening.MaxCandidates)
	assert.Empty(t, strat.Screening.Universe.Symbols)
}

func TestLoadStrategyRejectsBadWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.MarketOpen = "16:00"

	_, _, err := LoadStrategy(cfg)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindConfiguration))
}

func TestNewWiresMemoryBackend(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.Nil(t, a.DB)
	assert.False(t, a.Redis.Enabled())
	require.NoError(t, a.Restore(ctx))
	require.NoError(t, a.RegisterJobs(ctx))

	names := a.Scheduler.GetAllJobs()
	assert.ElementsMatch(t, []string{"screening", "analysis", "execution", "monitor", "reconcile"}, names)

	for _, st := range a.Scheduler.Statuses() {
		assert.True(t, st.Enabled, st.Name)
	}
	screening, err := a.Scheduler.Status("screening")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", screening.LockKey)

	require.NoError(t, a.Scheduler.Stop(ctx))
}

func TestRunStreamsWithoutAccounts(t *testing.T) {
	a, err := New(context.Background(), testConfig(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunStreams(ctx), context.Canceled)
}

func TestRunStreamsPicksUpAccountsActivatedLater(t *testing.T) {
	prev := accountRescanInterval
	accountRescanInterval = 10 * time.Millisecond
	t.Cleanup(func() { accountRescanInterval = prev })

	a, err := New(context.Background(), testConfig(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunStreams(ctx) }()

	fake := broker.NewFake("acc-late")
	a.Brokers.Register("acc-late", fake)
	require.NoError(t, a.Accounts.Register(context.Background(), &contracts.Account{
		ID:          "acc-late",
		Name:        "late",
		Credentials: contracts.Credentials{AppKey: "k", AppSecret: "s", AccountNo: "50012345"},
		Mode:        contracts.ModeSimulated,
		Active:      true,
		Capital:     10_000_000,
		Allocation:  contracts.Allocation{Short: 30, Mid: 40, Long: 30},
	}))

	// 스트림 소비자가 붙으면 틱이 가격 캐시에 반영됨
	require.Eventually(t, func() bool {
		fake.Tick("005930", 71_000)
		_, ok := a.Prices.Get("005930")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
