// Package rate implements a Redis-backed token bucket, reused here to cap
// how often the admin HTTP surface (§6 Supervisor command surface) accepts
// ping/command requests per device — independent of the worker's own
// PHONE_PING_INTERVAL cadence, which governs the health-probe loop itself.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"autophoned/internal/db"
)

type Limiter struct {
	redis  *db.RedisDB
	logger *zap.Logger
	rps    int
	burst  int
}

func NewLimiter(redis *db.RedisDB, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{
		redis:  redis,
		logger: logger,
		rps:    rps,
		burst:  burst,
	}
}

// Allow checks whether phoneID is within its rate limit using a token
// bucket keyed per device.
func (l *Limiter) Allow(ctx context.Context, phoneID string) (bool, time.Duration, error) {
	key := fmt.Sprintf("rate_limit:%s", phoneID)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	currentTokensStr, err := l.redis.Get(ctx, key).Result()
	currentTokens := l.burst
	lastRefill := windowStart

	if err != nil && err != redis.Nil {
		return false, 0, fmt.Errorf("rate: get failed: %w", err)
	}
	if err != redis.Nil {
		var lastRefillUnix int64
		fmt.Sscanf(currentTokensStr, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)
	}

	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * l.rps
	currentTokens = min(currentTokens+tokensToAdd, l.burst)

	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--

	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		l.logger.Warn("rate: failed to persist token count", zap.Error(err))
	}

	return true, 0, nil
}

// Reset clears the rate limit state for a device.
func (l *Limiter) Reset(ctx context.Context, phoneID string) error {
	key := fmt.Sprintf("rate_limit:%s", phoneID)
	return l.redis.Del(ctx, key).Err()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
