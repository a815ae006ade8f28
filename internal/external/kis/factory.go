package kis

import (
	"github.com/wonny/autotrader/internal/broker"
	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/config"
	"github.com/wonny/autotrader/pkg/httputil"
	"github.com/wonny/autotrader/pkg/logger"
	"github.com/wonny/autotrader/pkg/redis"
)

// NewFactory builds KIS clients for the broker registry. When limiter is
// backed by an enabled redis client, every process sharing an app key
// also shares its request budget.
func NewFactory(cfg config.KISConfig, log *logger.Logger, limiter *redis.RateLimiter) broker.Factory {
	return func(acc *contracts.Account) (broker.Broker, error) {
		if err := acc.Validate(); err != nil {
			return nil, err
		}
		var extra []httputil.Limiter
		if limiter != nil {
			extra = append(extra, limiter.Bind(redis.KISRateLimit(acc.Credentials.AppKey, acc.IsVirtual())))
		}
		return NewClient(cfg, acc, log, extra...), nil
	}
}
