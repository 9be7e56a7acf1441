package invoice

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/coursepay/internal/invoice/service"
)

var Module = fx.Module("invoice.service",
	fx.Provide(service.NewRegistryGateway),
	fx.Provide(service.NewService),
)
