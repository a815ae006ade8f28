// Package marketdata supplies quotes and daily bars to the screener, the
// analyzer and the monitor.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/redis"
)

// Provider is the read-only market view every stage shares
type Provider interface {
	Quote(ctx context.Context, symbol string) (*contracts.Quote, error)
	DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error)
}

// AccountSource lists accounts eligible to serve market data
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]*contracts.Account, error)
}

// BrokerProvider reads market data through the first active account's broker.
// 시세 조회는 계좌와 무관하므로 아무 활성 계좌나 사용
type BrokerProvider struct {
	accounts AccountSource
	registry *broker.Registry
}

// NewBrokerProvider creates a provider backed by the broker registry
func NewBrokerProvider(accounts AccountSource, registry *broker.Registry) *BrokerProvider {
	return &BrokerProvider{accounts: accounts, registry: registry}
}

func (p *BrokerProvider) broker(ctx context.Context) (broker.Broker, error) {
	accs, err := p.accounts.ActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("market data account: %w", err)
	}
	if len(accs) == 0 {
		return nil, contracts.Configuration("marketdata.broker", "no active account to read market data with")
	}
	return p.registry.For(accs[0])
}

func (p *BrokerProvider) Quote(ctx context.Context, symbol string) (*contracts.Quote, error) {
	b, err := p.broker(ctx)
	if err != nil {
		return nil, err
	}
	return b.Quote(ctx, symbol)
}

func (p *BrokerProvider) DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error) {
	b, err := p.broker(ctx)
	if err != nil {
		return nil, err
	}
	return b.DailyBars(ctx, symbol, days)
}

// CachedProvider caches daily bars in Redis per trading day.
// Quotes pass through; the monitor keeps its own short-lived PriceCache.
type CachedProvider struct {
	next   Provider
	cache  *redis.Cache
	logger *logger.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewCachedProvider wraps next. A disabled cache makes it a pass-through.
func NewCachedProvider(next Provider, cache *redis.Cache, loc *time.Location, log *logger.Logger) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, logger: log, loc: loc, now: time.Now}
}

func (p *CachedProvider) Quote(ctx context.Context, symbol string) (*contracts.Quote, error) {
	return p.next.Quote(ctx, symbol)
}

func (p *CachedProvider) DailyBars(ctx context.Context, symbol string, days int) ([]contracts.DailyBar, error) {
	key := redis.DailyBarsKey(symbol, p.now().In(p.loc).Format("20060102"), days)

	var bars []contracts.DailyBar
	found, err := p.cache.Get(ctx, key, &bars)
	if err != nil {
		p.logger.WithError(err).WithField("symbol", symbol).Warn("Daily bar cache read failed")
	}
	if found {
		return bars, nil
	}

	bars, err = p.next.DailyBars(ctx, symbol, days)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, key, bars, redis.TTLMedium); err != nil {
		p.logger.WithError(err).WithField("symbol", symbol).Warn("Daily bar cache write failed")
	}
	return bars, nil
}
