package freshness

import "go.uber.org/fx"

var Module = fx.Module("freshness",
	fx.Provide(New),
)
