package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a token bucket stored in a hash.
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec)
// ARGV[2]: burst (capacity)
// ARGV[3]: current timestamp (milliseconds)
// ARGV[4]: tokens to consume
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill) / 1000
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end

	redis.call('HSET', key, 'tokens', tostring(new_tokens), 'last_refill', tostring(now))
	redis.call('PEXPIRE', key, math.ceil(burst / rate * 1000) + 1000)
	return allowed
`)

// RateLimiter is a shared token bucket per key, evaluated atomically in Redis so
// every worker process draws from the same bucket.
type RateLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a limiter whose bucket keys are "<prefix>:<key>".
func NewRateLimiter(rdb redis.UniversalClient, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{rdb: rdb, prefix: prefix, now: time.Now}
}

// Allow consumes one token for key if available.
//
// Parameters:
//   - key: bucket name (e.g., the task operation)
//   - rate: tokens added per second
//   - burst: bucket capacity
func (l *RateLimiter) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	if rate <= 0 || burst <= 0 {
		return false, fmt.Errorf("rate limit for %s: rate and burst must be positive", key)
	}
	res, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{l.prefix + ":" + key},
		rate,
		burst,
		l.now().UnixMilli(),
		1,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
