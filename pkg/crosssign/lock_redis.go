package crosssign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock key only if it is still owned by
// the releasing holder, so a force-cleared and re-acquired lock is
// never removed out from under its new owner.
// KEYS[1] = lock key ("crosssign:lock:<target>")
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker backs the run lock with SETNX keys, for deployments where
// scheduler processes run on separate hosts against a shared store. A
// zero ttl means no expiry: a crashed holder stays locked out until an
// operator clears it, same as the file locker. A non-zero ttl trades
// that guarantee for automatic staleness recovery.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func lockKey(targetID string) string {
	return fmt.Sprintf("crosssign:lock:%s", targetID)
}

func (l *RedisLocker) Acquire(ctx context.Context, targetID string) (LockHandle, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, lockKey(targetID), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for target %s: %w", targetID, err)
	}
	if !ok {
		return nil, fmt.Errorf("target %s: %w", targetID, ErrLockBusy)
	}

	return &redisLockHandle{client: l.client, key: lockKey(targetID), token: token}, nil
}

func (l *RedisLocker) Clear(ctx context.Context, targetID string) error {
	if err := l.client.Del(ctx, lockKey(targetID)).Err(); err != nil {
		return fmt.Errorf("clear lock for target %s: %w", targetID, err)
	}
	return nil
}

type redisLockHandle struct {
	client *redis.Client
	key    string
	token  string
}

func (h *redisLockHandle) Release(ctx context.Context) error {
	if err := redisReleaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}
	return nil
}
