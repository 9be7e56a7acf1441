package scheduler

import (
	"context"

	"go.uber.org/fx"

	"github.com/smallbiznis/coursepay/internal/ratelimit"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideLocker),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// provideLocker hides a missing redis lock behind a nil interface.
func provideLocker(l *ratelimit.Locker) JobLocker {
	if l == nil {
		return nil
	}
	return l
}

func NewScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
