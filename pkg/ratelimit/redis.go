package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// slidingWindowScript prunes, counts and records in one round trip.
// Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  count = count + 1
  allowed = 1
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisSlidingWindow shares windows across gateway instances through a sorted
// set per key. Scores are millisecond timestamps from the gateway clock, so
// instances are expected to run NTP-synchronized clocks.
type RedisSlidingWindow struct {
	client   *redis.Client
	prefix   string
	failOpen bool
	now      func() time.Time
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// RedisConfig configures a RedisSlidingWindow
type RedisConfig struct {
	Prefix string
	// FailOpen admits requests when Redis is unreachable instead of failing them
	FailOpen bool
}

// NewRedisSlidingWindow creates a Redis-backed limiter
func NewRedisSlidingWindow(client *redis.Client, cfg RedisConfig, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *RedisSlidingWindow {
	if cfg.Prefix == "" {
		cfg.Prefix = "tollgate:ratelimit"
	}
	o := buildOptions(opts)
	return &RedisSlidingWindow{
		client:   client,
		prefix:   cfg.Prefix,
		failOpen: cfg.FailOpen,
		now:      o.now,
		logger:   logger,
		metrics:  metrics,
	}
}

func (l *RedisSlidingWindow) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow admits or rejects one request for key
func (l *RedisSlidingWindow) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Key: key, Allowed: true, Limit: limit}, nil
	}

	now := l.now()
	nowMS := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMS, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.client, []string{l.redisKey(key)},
		nowMS, Window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return l.onError(key, limit, err)
	}
	if len(res) != 3 {
		return l.onError(key, limit, fmt.Errorf("unexpected script reply of length %d", len(res)))
	}

	allowed, count, oldestMS := res[0] == 1, int(res[1]), res[2]
	oldest := time.UnixMilli(oldestMS)

	d := Decision{Key: key, Limit: limit, ResetAt: oldest.Add(Window)}
	if !allowed {
		d.RetryAfter = retryAfter(now, oldest)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = limit - count
	d.slot = member
	return d, nil
}

func (l *RedisSlidingWindow) onError(key string, limit int, err error) (Decision, error) {
	if l.failOpen {
		l.metrics.RateLimiterError("redis", "fail_open")
		l.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable, admitting request")
		return Decision{Key: key, Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	l.metrics.RateLimiterError("redis", "reject")
	return Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
}

// Release removes the entry recorded by d
func (l *RedisSlidingWindow) Release(ctx context.Context, d Decision) error {
	if !d.Allowed || d.slot == "" {
		return nil
	}
	if err := l.client.ZRem(ctx, l.redisKey(d.Key), d.slot).Err(); err != nil {
		return fmt.Errorf("failed to release rate limit slot: %w", err)
	}
	return nil
}

// Reset clears the window of a key
func (l *RedisSlidingWindow) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.redisKey(key)).Err()
}
