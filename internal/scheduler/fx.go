package scheduler

import (
	"context"

	"github.com/smallbiznis/tunnelgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(startLoop),
)

// startLoop runs the tick loop when SCHEDULER_ENABLED is set. The
// *Scheduler is still provided when disabled so admin triggers keep working.
func startLoop(lc fx.Lifecycle, cfg config.Config, schedCfg Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.Scheduler.Enabled {
		log.Info("scheduler loop disabled; jobs run only on admin trigger")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("scheduler loop started",
				zap.Duration("interval", schedCfg.RunInterval),
				zap.Strings("enabled_jobs", schedCfg.EnabledJobs),
			)
			go func() {
				defer close(done)
				sched.RunForever(ctx)
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
