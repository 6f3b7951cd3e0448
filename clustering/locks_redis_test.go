package clustering

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestRedisLocker needs a live Redis at REDIS_ADDRESS.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	l := NewRedisLocker(rdb, "civicsync:test:"+uuid.NewString()+":", 5*time.Second)

	unlock, err := l.Lock(ctx, "cluster:1", "region:x")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, ok, err := l.TryLock(ctx, "cluster:1"); err != nil || ok {
		t.Fatalf("TryLock on held key = %v, %v", ok, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "region:x"); err == nil {
		t.Fatal("Lock on held key returned without error")
	}

	unlock()
	unlockAgain, ok, err := l.TryLock(ctx, "cluster:1", "region:x")
	if err != nil || !ok {
		t.Fatalf("TryLock after unlock = %v, %v", ok, err)
	}
	unlockAgain()
}
