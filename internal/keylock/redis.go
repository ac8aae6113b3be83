package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"curator/internal/constants"
	pkgerrors "curator/pkg/errors"
	"curator/pkg/metrics"
)

// releaseScript deletes the lock only if the caller still owns it, so an
// expired lock taken over by another holder is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements cross-process advisory locks with SET NX and a
// TTL. The TTL bounds how long a crashed holder can block a key.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = constants.DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Lock, error) {
	redisKey := constants.LockKeyPrefixTarget + key
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, pkgerrors.ErrInternal.WithCause(fmt.Errorf("failed to acquire lock: %w", err))
	}
	if !acquired {
		return nil, pkgerrors.ErrConflict.WithDetail("message", "target key is locked").WithDetail("key", key)
	}
	metrics.TargetLocksHeld.Inc()

	return &redisLock{client: l.client, key: redisKey, token: token}, nil
}

type redisLock struct {
	client   *redis.Client
	key      string
	token    string
	released bool
	mu       sync.Mutex
}

func (l *redisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	metrics.TargetLocksHeld.Dec()

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
