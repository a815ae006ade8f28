package marketdata

import (
	"sync"
	"time"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
)

// PriceSource tells where a cached price came from
type PriceSource string

const (
	SourceStream PriceSource = "stream" // 체결 틱
	SourceQuote  PriceSource = "quote"  // REST 현재가
)

// Priority returns the priority of the source (higher is better)
func (s PriceSource) Priority() int {
	switch s {
	case SourceStream:
		return 2
	case SourceQuote:
		return 1
	default:
		return 0
	}
}

// CachedPrice is one entry of the price cache
type CachedPrice struct {
	Symbol string
	Price  int64
	Source PriceSource
	At     time.Time
}

// PriceCache is a short-TTL cache fed by REST quotes and stream ticks
// ⭐ SSOT: 모니터 가격 캐싱은 이 구조체에서만
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]CachedPrice
	ttl    time.Duration
	now    func() time.Time
	logger *logger.Logger
}

// NewPriceCache creates a new price cache
func NewPriceCache(ttl time.Duration, log *logger.Logger) *PriceCache {
	return &PriceCache{
		prices: make(map[string]CachedPrice),
		ttl:    ttl,
		now:    time.Now,
		logger: log,
	}
}

// Update stores a price. Older data is rejected; data with the same
// timestamp only replaces a lower priority source.
func (c *PriceCache) Update(p CachedPrice) bool {
	if p.Price <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.prices[p.Symbol]; ok {
		if p.At.Before(existing.At) {
			return false
		}
		if p.At.Equal(existing.At) && p.Source.Priority() <= existing.Source.Priority() {
			return false
		}
	}

	c.prices[p.Symbol] = p
	return true
}

// UpdateQuote stores a REST quote
func (c *PriceCache) UpdateQuote(q *contracts.Quote) bool {
	return c.Update(CachedPrice{Symbol: q.Symbol, Price: q.Price, Source: SourceQuote, At: q.At})
}

// Get returns a fresh price; stale entries are reported as missing
func (c *PriceCache) Get(symbol string) (CachedPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[symbol]
	if !ok || c.now().Sub(p.At) > c.ttl {
		return CachedPrice{}, false
	}
	return p, true
}

// CleanStale removes stale prices from cache
func (c *PriceCache) CleanStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	count := 0
	for symbol, p := range c.prices {
		if now.Sub(p.At) > c.ttl {
			delete(c.prices, symbol)
			count++
		}
	}

	if count > 0 {
		c.logger.WithField("count", count).Debug("Cleaned stale prices from cache")
	}
	return count
}

// Len returns the number of prices in cache
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
