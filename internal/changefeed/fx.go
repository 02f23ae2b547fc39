package changefeed

import (
	"context"

	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/realtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("changefeed",
	fx.Provide(
		provideDialer,
		func(d *realtime.Dispatcher) Publisher { return d },
		NewConsumer,
		func(c *Consumer) StreamingStatus { return c },
		NewPoller,
	),
	fx.Invoke(start),
)

// provideDialer returns nil when no replication connection is configured,
// which leaves the consumer disabled.
func provideDialer(cfg config.Config, log *zap.Logger) Dialer {
	if !cfg.Replication.Enabled() {
		return nil
	}
	return NewPGDialer(cfg.Replication, log)
}

func start(lc fx.Lifecycle, consumer *Consumer, poller *Poller) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go consumer.Run(ctx)
			go poller.RunForever(ctx)

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
