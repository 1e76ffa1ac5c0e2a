package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tunnelgate/internal/audit"
	"github.com/smallbiznis/tunnelgate/internal/cache"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"github.com/smallbiznis/tunnelgate/internal/migration"
	"github.com/smallbiznis/tunnelgate/internal/noderegistry"
	"github.com/smallbiznis/tunnelgate/internal/observability"
	"github.com/smallbiznis/tunnelgate/internal/partition"
	"github.com/smallbiznis/tunnelgate/internal/quota"
	"github.com/smallbiznis/tunnelgate/internal/ratelimit"
	"github.com/smallbiznis/tunnelgate/internal/rollup"
	"github.com/smallbiznis/tunnelgate/internal/scheduler"
	"github.com/smallbiznis/tunnelgate/internal/subscription"
	"github.com/smallbiznis/tunnelgate/internal/traffic"
	"github.com/smallbiznis/tunnelgate/internal/trafficexport"
	"github.com/smallbiznis/tunnelgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.WithLogger(observability.FxLogger),
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		noderegistry.Module,
		ratelimit.Module,

		// Domain services required by scheduler
		audit.Module,
		subscription.Module,
		partition.Module,
		traffic.Module,
		rollup.Module,
		quota.Module,

		// No server module!
		scheduler.Module,
		trafficexport.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
