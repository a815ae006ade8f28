package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/autotrader/pkg/config"
)

func TestNewClient_Disabled(t *testing.T) {
	client, err := New(context.Background(), &config.Config{Redis: config.RedisConfig{Enabled: false}})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	assert.NoError(t, client.Close())
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(Disabled(), "test")
	cfg := KISRateLimit("app", true)

	allowed, remaining, err := limiter.Allow(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, cfg.Limit, remaining)
	assert.NoError(t, limiter.Bind(cfg).Wait(context.Background()))
}

func TestKISRateLimit(t *testing.T) {
	assert.Equal(t, 2, KISRateLimit("k", true).Limit)
	assert.Equal(t, 15, KISRateLimit("k", false).Limit)
	assert.Equal(t, "kis:k", KISRateLimit("k", false).Key)
}

func TestCache_Disabled(t *testing.T) {
	cache := NewCache(Disabled(), "test")
	ctx := context.Background()

	var result string
	found, err := cache.Get(ctx, "key", &result)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, cache.Set(ctx, "key", "value", TTLShort))
	assert.NoError(t, cache.Delete(ctx, "key"))

	calls := 0
	var out []int
	err = cache.GetOrSet(ctx, "k", &out, TTLShort, func() (interface{}, error) {
		calls++
		return []int{1, 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out)
	assert.Equal(t, 1, calls)
}

func TestCache_RoundTrip(t *testing.T) {
	if testing.Short() || os.Getenv("REDIS_HOST") == "" {
		t.Skip("REDIS_HOST not set, skipping integration test")
	}
	cfg := &config.Config{Redis: config.RedisConfig{Enabled: true, Host: os.Getenv("REDIS_HOST"), Port: "6379"}}
	client, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	cache := NewCache(client, "autotrader-test")
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "bars", map[string]int{"close": 100}, time.Minute))

	var got map[string]int
	found, err := cache.Get(ctx, "bars", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 100, got["close"])
}
