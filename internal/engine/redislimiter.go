package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireSlot prunes expired holders, then adds the caller if the set is
// below the ceiling. KEYS[1]=slot set; ARGV: now ms, limit, expiry ms, token.
var acquireSlot = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]) - tonumber(ARGV[1]))
	return 1
end
return 0
`)

// RedisLimiter enforces ceilings across every worker process sharing a
// redis. Holders carry a lease so a crashed worker cannot pin a slot.
type RedisLimiter struct {
	client *redis.Client
	limits map[string]int
	lease  time.Duration
	wait   time.Duration
	poll   time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limits map[string]int, lease, wait time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limits: limits,
		lease:  lease,
		wait:   wait,
		poll:   100 * time.Millisecond,
		prefix: "awaaztwin:engine_slots:",
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context, engine string) (func(), error) {
	limit, ok := l.limits[engine]
	if !ok {
		return nil, fmt.Errorf("no concurrency limit registered for engine %s", engine)
	}

	key := l.prefix + engine
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		now := time.Now()
		got, err := acquireSlot.Run(ctx, l.client, []string{key},
			now.UnixMilli(), limit, now.Add(l.lease).UnixMilli(), token).Int()
		if err != nil {
			return nil, fmt.Errorf("acquire engine slot %s: %w", engine, err)
		}
		if got == 1 {
			return func() {
				// Release must outlive a cancelled task context.
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				l.client.ZRem(ctx, key, token)
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("engine %s at capacity: %w", engine, ErrBusy)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
