package stream

import (
	"github.com/smallbiznis/pulse/internal/cache"
	"github.com/smallbiznis/pulse/internal/stream/repository"
	"github.com/smallbiznis/pulse/internal/stream/service"
	"go.uber.org/fx"
)

var Module = fx.Module("stream.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewStreamResolverCache),
	fx.Provide(service.New),
)
