package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/coursepay/internal/cache"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	"github.com/smallbiznis/coursepay/internal/fulfillment"
	"github.com/smallbiznis/coursepay/internal/gateway/qpay"
	"github.com/smallbiznis/coursepay/internal/invoice"
	"github.com/smallbiznis/coursepay/internal/migration"
	"github.com/smallbiznis/coursepay/internal/observability"
	"github.com/smallbiznis/coursepay/internal/payment"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"github.com/smallbiznis/coursepay/internal/seed"
	"github.com/smallbiznis/coursepay/internal/server"
	"github.com/smallbiznis/coursepay/pkg/db"
)

// The API process serves HTTP only; reconciliation runs in apps/scheduler.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,
		ratelimit.Module,
		cache.Module,

		qpay.Module,
		payment.Module,
		invoice.Module,
		fulfillment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
