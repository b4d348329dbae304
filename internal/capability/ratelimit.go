// Copyright 2025 James Ross

// Package capability implements the CapabilityProvider (C6): the
// authorization shim between PluginRuntime host calls and platform
// effects. Its token-bucket rate limiter is adapted from
// Redis Lua-script token buckets keyed per (plugin_id, capability).
// Capability calls carry no priority concept, so there is no weighting
// across buckets.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimit is a declared (requests/sec, burst) pair for one capability.
type RateLimit struct {
	RequestsPerSecond int64
	BurstSize         int64
}

// bucketKey scopes the Redis key to a single (plugin, capability) pair,
// so buckets never leak across plugins and no bucket blocks another.
func bucketKey(pluginID string, cap string) string {
	return fmt.Sprintf("judge:capability:bucket:{%s}:%s", pluginID, cap)
}

// TokenBucket is a Redis-backed token bucket, atomic via a Lua script:
// refill-then-consume in one round trip so concurrent callers never
// observe a half-applied refill.
type TokenBucket struct {
	redis         *redis.Client
	consumeScript *redis.Script
	ttl           time.Duration
}

func NewTokenBucket(rdb *redis.Client) *TokenBucket {
	return &TokenBucket{
		redis: rdb,
		ttl:   time.Hour,
		consumeScript: redis.NewScript(`
			local key = KEYS[1]
			local capacity = tonumber(ARGV[1])
			local refill_rate = tonumber(ARGV[2])
			local now = tonumber(ARGV[3])
			local ttl = tonumber(ARGV[4])

			local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
			local tokens = tonumber(bucket[1]) or capacity
			local last_refill = tonumber(bucket[2]) or now

			local elapsed = math.max(0, now - last_refill)
			tokens = math.min(capacity, tokens + math.floor(elapsed * refill_rate / 1000))

			local allowed = tokens >= 1
			if allowed then
				tokens = tokens - 1
				redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
				redis.call('EXPIRE', key, ttl)
			end

			return {allowed and 1 or 0, tokens}
		`),
	}
}

// Allow consumes one token from the (pluginID, capability) bucket sized
// and refilled per limit. In a burst of N > bucket_size calls, exactly
// bucket_size succeed immediately.
func (b *TokenBucket) Allow(ctx context.Context, pluginID string, cap string, limit RateLimit) (bool, error) {
	key := bucketKey(pluginID, cap)
	now := time.Now().UnixMilli()
	res, err := b.consumeScript.Run(ctx, b.redis, []string{key}, limit.BurstSize, limit.RequestsPerSecond, now, int64(b.ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, fmt.Errorf("rate limit check: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}
