package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// limitWindow is the trailing window over which per-channel send caps apply.
const limitWindow = time.Minute

// channelLimits caps how many jobs one user may receive per channel per
// minute. Channels over the cap are dropped from the notification, not
// retried within the same window.
var channelLimits = map[db.Channel]int{
	db.ChannelPush:  10,
	db.ChannelEmail: 5,
	db.ChannelSMS:   3,
	db.ChannelInApp: 50,
}

// RateLimiter implements per-(user,channel) sliding window rate limiting
// using Redis sorted sets.
type RateLimiter struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates a rate limiter on an existing Redis client.
func NewRateLimiter(rdb *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the limiter's time source. Used in tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

func limitKey(userID uuid.UUID, channel db.Channel) string {
	return fmt.Sprintf("herald:ratelimit:%s:%s", userID, channel)
}

// Allow checks and consumes one slot of the user's window on a channel.
// Broker trouble fails open: delivery is preferred over strict limiting.
func (r *RateLimiter) Allow(ctx context.Context, userID uuid.UUID, channel db.Channel) (bool, error) {
	limit, ok := channelLimits[channel]
	if !ok {
		return true, nil
	}

	now := r.now()
	key := limitKey(userID, channel)
	windowStart := now.Add(-limitWindow)

	pipe := r.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("rate limit check degraded, allowing send",
			zap.Error(err),
			zap.String("channel", string(channel)),
		)
		return true, brokerErr("rate limit", err)
	}

	if int(countCmd.Val()) >= limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("user_id", userID.String()),
			zap.String("channel", string(channel)),
			zap.Int64("current", countCmd.Val()),
			zap.Int("limit", limit),
		)
		return false, nil
	}

	pipe = r.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, limitWindow+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, brokerErr("rate limit", err)
	}

	return true, nil
}
