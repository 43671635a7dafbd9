package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/internal/audit"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/events"
	"github.com/smallbiznis/mintflow/internal/fulfillment"
	"github.com/smallbiznis/mintflow/internal/migration"
	"github.com/smallbiznis/mintflow/internal/mintintent"
	"github.com/smallbiznis/mintflow/internal/mintstatus"
	"github.com/smallbiznis/mintflow/internal/observability"
	"github.com/smallbiznis/mintflow/internal/payment"
	"github.com/smallbiznis/mintflow/internal/providers"
	"github.com/smallbiznis/mintflow/internal/ratelimit"
	"github.com/smallbiznis/mintflow/internal/scheduler"
	"github.com/smallbiznis/mintflow/internal/server"
	"github.com/smallbiznis/mintflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		events.Module,
		catalog.Module,
		ratelimit.Module,
		providers.Module,

		// Functional Domains
		mintintent.Module,
		payment.Module,
		fulfillment.Module,
		mintstatus.Module,
		audit.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
