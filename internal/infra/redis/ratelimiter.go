package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultEndpointLimitPerSec int64 = 10
	endpointLimitKeyPrefix           = "webhook-ratelimit"
	minWindowWait                    = 5 * time.Millisecond
)

// takeToken counts one send in the current one-second window of KEYS[1] and
// reports whether it fits ARGV[1].
var takeToken = goredis.NewScript(`
local used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], 2000)
end
if used > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps sends per endpoint per second across every engine
// instance. Counters live in one Redis key per endpoint and second.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	now func() time.Time,
	sleep func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultEndpointLimitPerSec
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         now,
		sleep:       sleep,
	}, nil
}

// Allow takes one slot of the endpoint's current window if one is left.
func (r *RedisRateLimiter) Allow(ctx context.Context, endpointID string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := windowKey(endpointID, r.now())
	if err != nil {
		return false, err
	}

	taken, err := takeToken.Run(ctx, r.client, []string{key}, r.limitPerSec).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return taken == 1, nil
}

// Wait blocks until the endpoint has a free slot, sleeping to the start of
// the next window each time the current one is full.
func (r *RedisRateLimiter) Wait(ctx context.Context, endpointID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, err := r.Allow(ctx, endpointID)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if err := r.sleep(ctx, untilNextWindow(r.now())); err != nil {
			return err
		}
	}
}

func windowKey(endpointID string, now time.Time) (string, error) {
	id := strings.ToLower(strings.TrimSpace(endpointID))
	if id == "" {
		return "", fmt.Errorf("rate limit key is required")
	}
	return fmt.Sprintf("%s:%s:%d", endpointLimitKeyPrefix, id, now.UTC().Unix()), nil
}

func untilNextWindow(now time.Time) time.Duration {
	d := now.Truncate(time.Second).Add(time.Second).Sub(now)
	if d < minWindowWait {
		return minWindowWait
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
