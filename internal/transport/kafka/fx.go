package kafka

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("transport.kafka",
	fx.Provide(New),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, consumer *Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				consumer.Run(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					<-done
					return consumer.Close()
				},
			})
			return nil
		},
	})
}
