package clustering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only if it still carries our token, so a lock
// that expired and was taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker shares cluster and region locks between service instances.
// Each lock is a key set with NX and a TTL, so a crashed holder cannot wedge
// the key forever.
type RedisLocker struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	pollGap time.Duration
}

func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, pollGap: 10 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		for {
			ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
			if err != nil {
				l.release(held, token)
				return nil, fmt.Errorf("redis lock %s: %w", key, err)
			}
			if ok {
				held = append(held, key)
				break
			}
			select {
			case <-ctx.Done():
				l.release(held, token)
				return nil, ctx.Err()
			case <-time.After(l.pollGap):
			}
		}
	}
	return func() { l.release(held, token) }, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, keys ...string) (func(), bool, error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
		if err != nil {
			l.release(held, token)
			return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if !ok {
			l.release(held, token)
			return nil, false, nil
		}
		held = append(held, key)
	}
	return func() { l.release(held, token) }, true, nil
}

// release runs on a fresh context so a cancelled request still frees its locks.
func (l *RedisLocker) release(held []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		_ = releaseScript.Run(ctx, l.rdb, []string{l.prefix + held[i]}, token).Err()
	}
}
