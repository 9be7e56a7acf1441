package fulfillment

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/coursepay/internal/fulfillment/repository"
	"github.com/smallbiznis/coursepay/internal/fulfillment/service"
)

var Module = fx.Module("fulfillment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
