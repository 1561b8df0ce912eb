package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// SendLimiter gates outbound deliveries per channel so a burst of
// escalations cannot flood a downstream gateway. A denied attempt is
// re-queued, not failed.
type SendLimiter interface {
	Allow(ctx context.Context, channel contracts.Channel) (bool, error)
}

// LocalLimiter is the in-process fallback: one token bucket per channel.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[contracts.Channel]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocalLimiter allows rps sends per second per channel with the
// given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[contracts.Channel]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow implements SendLimiter.
func (l *LocalLimiter) Allow(_ context.Context, channel contracts.Channel) (bool, error) {
	l.mu.Lock()
	lim := l.limiters[channel]
	if lim == nil {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[channel] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// every engine instance shares one budget per channel.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/sec),
// ARGV[2] = capacity, ARGV[3] = cost, ARGV[4] = now (unix seconds).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is the shared token bucket used when Redis is configured.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiter connects to Redis at addr.
func NewRedisLimiter(addr, password string, db int, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    rps,
		burst:  burst,
	}
}

// Allow implements SendLimiter.
func (l *RedisLimiter) Allow(ctx context.Context, channel contracts.Channel) (bool, error) {
	key := fmt.Sprintf("castellan:send_limit:%s", channel)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis send limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis send limiter: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }
