package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/coursepay/internal/config"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenBucketConsumesBurst(t *testing.T) {
	mr, client := newTestRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket:inv-1", 0.001, 3)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected call %d within burst to be allowed", i)
		}
	}

	res, err := bucket.Allow(ctx, "bucket:inv-1", 0.001, 3)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected call beyond burst to be throttled")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected positive retry after, got %v", res.RetryAfter)
	}
	if !mr.Exists("bucket:inv-1") {
		t.Fatalf("expected bucket state in redis")
	}
	if ttl := mr.TTL("bucket:inv-1"); ttl <= 0 {
		t.Fatalf("expected bucket key to expire, got ttl %v", ttl)
	}
}

func TestTokenBucketRejectsBadArguments(t *testing.T) {
	_, client := newTestRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	if _, err := bucket.Allow(ctx, "", 1, 1); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := bucket.Allow(ctx, "k", 0, 1); err == nil {
		t.Fatalf("expected error for zero rate")
	}
	if _, err := bucket.Allow(ctx, "k", 1, 0); err == nil {
		t.Fatalf("expected error for zero burst")
	}
}

func TestGatewayCheckLimiterSharedBudget(t *testing.T) {
	_, client := newTestRedis(t)
	cfg := config.Config{QPay: config.QPayConfig{CheckRatePerSec: 0.001, CheckBurst: 2}}
	ctx := context.Background()

	first := NewGatewayCheckLimiter(cfg, client, zap.NewNop())
	second := NewGatewayCheckLimiter(cfg, client, zap.NewNop())

	if !first.Allow(ctx, "inv-1") || !second.Allow(ctx, "inv-1") {
		t.Fatalf("expected burst of 2 across instances")
	}
	if first.Allow(ctx, "inv-1") || second.Allow(ctx, "inv-1") {
		t.Fatalf("expected budget shared across instances to be spent")
	}
	if !second.Allow(ctx, "inv-2") {
		t.Fatalf("expected independent budget per invoice")
	}
}

func TestGatewayCheckLimiterFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	cfg := config.Config{QPay: config.QPayConfig{CheckRatePerSec: 0.001, CheckBurst: 1}}
	limiter := NewGatewayCheckLimiter(cfg, client, zap.NewNop())
	mr.Close()

	ctx := context.Background()
	if !limiter.Allow(ctx, "inv-1") {
		t.Fatalf("expected local limiter to allow first call")
	}
	if limiter.Allow(ctx, "inv-1") {
		t.Fatalf("expected local limiter to throttle second call")
	}
}

func TestLockerAcquireAndRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "job:lock", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.TryLock(ctx, "job:lock", time.Minute); err != nil || ok {
		t.Fatalf("expected held lock, got ok=%v err=%v", ok, err)
	}

	if err := locker.Release(ctx, "job:lock", "someone-else"); err != nil {
		t.Fatalf("release with foreign token: %v", err)
	}
	if !mr.Exists("job:lock") {
		t.Fatalf("foreign token must not release the lock")
	}

	if err := locker.Release(ctx, "job:lock", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("job:lock") {
		t.Fatalf("expected lock to be released")
	}
	if _, ok, err := locker.TryLock(ctx, "job:lock", time.Minute); err != nil || !ok {
		t.Fatalf("expected lock to be free again, got ok=%v err=%v", ok, err)
	}
}
