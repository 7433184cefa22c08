package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/ride-coordination/internal/adapters/redis"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

type RateLimiter struct {
	redis *redisadapter.Cache
}

func NewRateLimiter(redis *redisadapter.Cache) *RateLimiter {
	return &RateLimiter{redis: redis}
}

// Allow counts a hit against key in a fixed window of period and reports
// whether the count is still within rate.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error) {
	fullKey := "rl:" + key

	client := rl.redis.Client()
	count, err := client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := client.Expire(ctx, fullKey, period).Err(); err != nil {
			return false, err
		}
	}

	if count > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false, nil
	}
	return true, nil
}
