//go:build integration
// +build integration

package integrationtests

import (
	"context"
	"testing"
	"time"

	"supporthub/internal/limiter"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFixedWindowLimiter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: setupRedisContainer(t, ctx)})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	// Two managers sharing redis behave like two API instances.
	strategy := limiter.NewFixedWindowStrategy(rdb)
	first := limiter.NewManager(strategy, "test:public:", 3, time.Second)
	second := limiter.NewManager(limiter.NewFixedWindowStrategy(rdb), "test:public:", 3, time.Second)

	for _, manager := range []*limiter.Manager{first, second, first} {
		allowed, err := manager.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := second.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed, "the limit is shared across instances")

	allowed, err = first.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per client")

	ttl, err := rdb.PTTL(ctx, "test:public:10.0.0.1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.Eventually(t, func() bool {
		allowed, err := first.Allow(ctx, "10.0.0.1")
		return err == nil && allowed
	}, 5*time.Second, 100*time.Millisecond, "the window resets")
}
