package metricspush

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Provide(NewWorker),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, w *Worker) {
	if !w.Enabled() {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
			return nil
		},
	})
}
