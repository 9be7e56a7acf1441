package payment

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/coursepay/internal/gateway/qpay"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/payment/repository"
	"github.com/smallbiznis/coursepay/internal/payment/resolver"
	paymentservice "github.com/smallbiznis/coursepay/internal/payment/service"
	"github.com/smallbiznis/coursepay/internal/payment/webhook"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(paymentservice.NewService, fx.As(new(paymentdomain.Service))),
	),
	fx.Provide(
		fx.Annotate(webhook.NewService, fx.As(new(paymentdomain.Ingestor))),
	),
	fx.Provide(func(r *qpay.Registry) resolver.Gateway { return r }),
	fx.Provide(func(l *ratelimit.GatewayCheckLimiter) resolver.Limiter { return l }),
	fx.Provide(
		fx.Annotate(resolver.NewService, fx.As(new(paymentdomain.Resolver))),
	),
)
