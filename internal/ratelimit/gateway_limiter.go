package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/coursepay/internal/cache"
	"github.com/smallbiznis/coursepay/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyGatewayCheck = "coursepay:gateway:check:%s"

// GatewayCheckLimiter bounds how often the payment gateway is polled for a
// single invoice. Redis makes the budget shared across instances; without it,
// or when Redis errors, a per-process limiter applies.
type GatewayCheckLimiter struct {
	bucket *TokenBucket
	local  cache.Cache[string, *rate.Limiter]
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewGatewayCheckLimiter(cfg config.Config, client redis.UniversalClient, log *zap.Logger) *GatewayCheckLimiter {
	perSec := cfg.QPay.CheckRatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	burst := cfg.QPay.CheckBurst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	limiter := &GatewayCheckLimiter{
		local: cache.NewTTLCache[string, *rate.Limiter](cache.WithMaxEntries(10000)),
		rate:  perSec,
		burst: burst,
		log:   log.Named("ratelimit.gateway"),
	}
	if client != nil {
		limiter.bucket = NewTokenBucket(client)
	}
	return limiter
}

// Allow reports whether a gateway payment check for invoiceID may run now.
func (l *GatewayCheckLimiter) Allow(ctx context.Context, invoiceID string) bool {
	if l == nil {
		return true
	}
	invoiceID = strings.TrimSpace(invoiceID)
	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyGatewayCheck, invoiceID), l.rate, l.burst)
		if err == nil {
			return res.Allowed
		}
		l.log.Warn("redis limiter unavailable, using local limiter", zap.Error(err))
	}
	return l.localLimiter(invoiceID).Allow()
}

func (l *GatewayCheckLimiter) localLimiter(invoiceID string) *rate.Limiter {
	ttl := time.Duration(float64(l.burst)/l.rate*2*float64(time.Second)) + time.Second
	return l.local.Update(invoiceID, ttl, func(current *rate.Limiter, ok bool) (*rate.Limiter, bool) {
		if ok {
			return current, true
		}
		return rate.NewLimiter(rate.Limit(l.rate), l.burst), true
	})
}
