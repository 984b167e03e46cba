package lock

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryWait = 50 * time.Millisecond
)

// RedisLocker implements a distributed Locker with SET NX PX and a token-checked
// release, so instances sharing one database do not reconcile the same invoice
// at once. A holder that outlives the TTL loses the lock.
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement:lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	return &RedisLocker{
		client:    client,
		prefix:    trimmedPrefix,
		ttl:       ttl,
		retryWait: defaultRetryWait,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := fmt.Sprintf("%s:%s", r.prefix, key)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", lockKey, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(r.retryWait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(lockKey, token) })
	}, nil
}

func (r *RedisLocker) release(lockKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, r.client, []string{lockKey}, token).Err(); err != nil {
		log.Printf("level=warn component=redis_lock msg=\"lock release failed; key will expire\" key=%s err=%v", lockKey, err)
	}
}
