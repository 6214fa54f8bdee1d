package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum sends allowed
	Window time.Duration // Time window for the limit
	Clock  clock.Clock   // Defaults to the wall clock
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis sorted
// sets, so every scheduler process shares one budget per key.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if one send is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n sends are allowed under the rate limit and records
// them when they are. On denial ResetAt is when the oldest recorded send
// leaves the window.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.config.Clock.Now()
	redisKey := "followup:ratelimit:" + key
	cutoff := strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10)

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+cutoff)
		count = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	used := int(count.Val())
	if used+n > r.config.Limit {
		resetAt := now.Add(r.config.Window)
		if z := oldest.Val(); len(z) > 0 {
			resetAt = time.Unix(0, int64(z[0].Score)).Add(r.config.Window)
		}
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, r.config.Limit-used),
			ResetAt:   resetAt,
		}, nil
	}

	members := make([]redis.Z, n)
	for i := range members {
		members[i] = redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()}
	}
	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisKey, members...)
		pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - used - n,
		ResetAt:   now.Add(r.config.Window),
	}, nil
}
