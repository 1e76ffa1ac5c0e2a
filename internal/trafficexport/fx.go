package trafficexport

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tunnelgate/internal/clock"
	"github.com/smallbiznis/tunnelgate/internal/config"
	partitiondomain "github.com/smallbiznis/tunnelgate/internal/partition/domain"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultExportInterval = 5 * time.Minute

var Module = fx.Module("traffic.export",
	fx.Provide(NewPusher),
	fx.Provide(func() *Gauges {
		return NewGauges(prometheus.NewRegistry())
	}),
	fx.Provide(func(db *gorm.DB, clk clock.Clock, rollups rollupdomain.Service, partitions partitiondomain.Service, gauges *Gauges) *Snapshotter {
		return NewSnapshotter(db, clk, rollups, partitions, gauges)
	}),
	fx.Invoke(startExportLoop),
)

func startExportLoop(lc fx.Lifecycle, cfg config.Config, snap *Snapshotter, pusher Pusher, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Export.Interval
	if interval <= 0 {
		interval = defaultExportInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting traffic export worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				if err := Tick(ctx, snap, pusher, defaultPushTimeout); err != nil {
					logger.Error("initial traffic export failed", zap.Error(err))
				}
				for {
					select {
					case <-ticker.C:
						if err := Tick(ctx, snap, pusher, defaultPushTimeout); err != nil {
							logger.Error("periodic traffic export failed", zap.Error(err))
						}
					case <-ctx.Done():
						logger.Info("stopping traffic export worker")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
