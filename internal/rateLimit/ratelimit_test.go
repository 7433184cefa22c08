package rateLimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/ride-coordination/internal/adapters/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	rl := NewRateLimiter(redisadapter.NewCache(client))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "user:1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "user:1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "user:2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	mr.FastForward(time.Minute + time.Second)
	ok, err = rl.Allow(ctx, "user:1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window resets")
}
