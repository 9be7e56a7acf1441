package qpay

import "go.uber.org/fx"

var Module = fx.Module("gateway.qpay",
	fx.Provide(NewRegistryFromConfig),
)
