package mqtt

import (
	"context"

	"github.com/smallbiznis/pulse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("transport.mqtt",
	fx.Provide(New),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, cfg config.Config, adapter *Adapter, log *zap.Logger) {
	if !cfg.MQTT.Enabled {
		log.Info("mqtt adapter disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return adapter.Start()
		},
		OnStop: func(context.Context) error {
			adapter.Stop()
			return nil
		},
	})
}
