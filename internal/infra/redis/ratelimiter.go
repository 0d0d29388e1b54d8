package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dispatch-worker/internal/domain"
	"github.com/kursadbilgin/dispatch-worker/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultGatewayLimitPerSec int64 = 100
	waitStep                        = 10 * time.Millisecond
	waitMax                         = 50 * time.Millisecond
	windowTTLSeconds                = 2
	keyPrefix                       = "dispatch-worker:gateway"
)

// fixedWindowScript counts calls in the current one-second window and
// reports whether the call fits the limit.
var fixedWindowScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*GatewayLimiter)(nil)

// GatewayLimiter caps gateway calls per channel per second across every
// worker process sharing the same Redis.
type GatewayLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewGatewayLimiter(client *goredis.Client, limitPerSec int) (*GatewayLimiter, error) {
	return newGatewayLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

func newGatewayLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*GatewayLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultGatewayLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &GatewayLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (l *GatewayLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("gateway limiter is not initialized")
	}
	if !channel.IsValid() {
		return false, fmt.Errorf("%w: %q", domain.ErrUnsupportedType, channel)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := windowKey(channel, l.now())
	allowed, err := fixedWindowScript.Run(ctx, l.client, []string{key}, l.limitPerSec, windowTTLSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate gateway rate limit: %w", err)
	}

	return allowed == 1, nil
}

// Wait blocks until a slot in the channel's window is free.
func (l *GatewayLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pause := waitStep
	for {
		allowed, err := l.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := l.sleep(ctx, pause); err != nil {
			return err
		}
		pause = min(pause+waitStep, waitMax)
	}
}

func windowKey(channel domain.Channel, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, channel, now.UTC().Unix())
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
