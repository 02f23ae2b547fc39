package realtime

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("realtime",
	fx.Provide(NewRegistry),
	fx.Provide(NewDispatcher),
	fx.Provide(NewMonitor),
	fx.Invoke(startMonitor),
)

func startMonitor(lc fx.Lifecycle, monitor *Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go monitor.RunForever(ctx)

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
