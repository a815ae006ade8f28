package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/internal/mocks"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/redis"
)

type stubAccounts struct {
	accs []*contracts.Account
	err  error
}

func (s stubAccounts) ActiveAccounts(ctx context.Context) ([]*contracts.Account, error) {
	return s.accs, s.err
}

func TestBrokerProviderUsesFirstActiveAccount(t *testing.T) {
	fake := broker.NewFake("acc-1")
	fake.SetQuote("005930", 72300)

	reg := broker.NewRegistry(func(acc *contracts.Account) (broker.Broker, error) {
		return fake, nil
	})
	p := NewBrokerProvider(stubAccounts{accs: []*contracts.Account{{ID: "acc-1"}}}, reg)

	q, err := p.Quote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(72300), q.Price)
}

func TestBrokerProviderWithoutAccounts(t *testing.T) {
	reg := broker.NewRegistry(func(acc *contracts.Account) (broker.Broker, error) {
		return nil, errors.New("unused")
	})
	p := NewBrokerProvider(stubAccounts{}, reg)

	_, err := p.DailyBars(context.Background(), "005930", 20)
	assert.True(t, contracts.IsKind(err, contracts.KindConfiguration))
}

func TestBrokerProviderPassesBrokerErrors(t *testing.T) {
	mb := &mocks.MockBroker{}
	apiErr := contracts.TransientAPI("kis.daily_bars", errors.New("EGW00201 초당 거래건수 초과"))
	mb.On("DailyBars", mock.Anything, "000660", 150).Return(nil, apiErr).Once()
	mb.On("Quote", mock.Anything, "000660").Return(&contracts.Quote{Symbol: "000660", Price: 181000}, nil).Once()

	reg := broker.NewRegistry(func(acc *contracts.Account) (broker.Broker, error) {
		return mb, nil
	})
	p := NewBrokerProvider(stubAccounts{accs: []*contracts.Account{{ID: "acc-1"}}}, reg)

	_, err := p.DailyBars(context.Background(), "000660", 150)
	assert.ErrorIs(t, err, apiErr)
	assert.True(t, contracts.IsKind(err, contracts.KindTransientAPI))

	q, err := p.Quote(context.Background(), "000660")
	require.NoError(t, err)
	assert.Equal(t, int64(181000), q.Price)

	mb.AssertExpectations(t)
}

type countingProvider struct {
	broker.Broker
	calls int
}

func (c *countingProvider) DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error) {
	c.calls++
	return c.Broker.DailyBars(ctx, symbol, days)
}

func TestCachedProviderDisabledPassesThrough(t *testing.T) {
	fake := broker.NewFake("acc-1")
	fake.SetBars("005930", []contracts.DailyBar{{Close: 100}, {Close: 101}})
	next := &countingProvider{Broker: fake}

	p := NewCachedProvider(next, redis.NewCache(redis.Disabled(), "test"), time.UTC, logger.NewNop())
	for i := 0; i < 2; i++ {
		bars, err := p.DailyBars(context.Background(), "005930", 2)
		require.NoError(t, err)
		assert.Len(t, bars, 2)
	}
	assert.Equal(t, 2, next.calls)
}

func TestPriceCache(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c := NewPriceCache(5*time.Second, logger.NewNop())
	c.now = func() time.Time { return now }

	assert.True(t, c.Update(CachedPrice{Symbol: "005930", Price: 100, Source: SourceQuote, At: now}))
	assert.True(t, c.Update(CachedPrice{Symbol: "005930", Price: 101, Source: SourceStream, At: now}), "stream wins a tie")
	assert.False(t, c.Update(CachedPrice{Symbol: "005930", Price: 99, Source: SourceQuote, At: now}), "quote loses a tie")
	assert.False(t, c.Update(CachedPrice{Symbol: "005930", Price: 98, Source: SourceStream, At: now.Add(-time.Second)}), "older data rejected")

	p, ok := c.Get("005930")
	require.True(t, ok)
	assert.Equal(t, int64(101), p.Price)

	now = now.Add(6 * time.Second)
	_, ok = c.Get("005930")
	assert.False(t, ok, "stale price is a miss")
	assert.Equal(t, 1, c.CleanStale())
	assert.Equal(t, 0, c.Len())
}
