package monitor

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("monitor",
	fx.Provide(New),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, m *Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go m.RunForever(ctx)

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
