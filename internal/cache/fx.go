package cache

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Redis      redis.UniversalClient `optional:"true"`
	Clock      clock.Clock           `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

// ProvideStatusCache shares the status cache through redis when one is
// configured and keeps it in process otherwise.
func ProvideStatusCache(p Params) paymentdomain.StatusCache {
	cfg := StatusCacheConfig{
		PendingTTL:  p.Cfg.StatusCache.PendingTTL,
		TerminalTTL: p.Cfg.StatusCache.TerminalTTL,
		MaxEntries:  p.Cfg.StatusCache.MaxEntries,
		Clock:       p.Clock,
		Metrics:     p.ObsMetrics,
	}
	if p.Redis != nil {
		p.Log.Info("payment status cache backed by redis")
		return NewRedisStatusCache(p.Redis, cfg, p.Log)
	}
	p.Log.Info("payment status cache kept in memory")
	return NewStatusCache(cfg)
}

var Module = fx.Module("cache",
	fx.Provide(ProvideStatusCache),
)
