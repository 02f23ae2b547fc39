package transport

import (
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type IngesterParams struct {
	fx.In

	Log      *zap.Logger
	Readings readingdomain.Service
	Metrics  *metrics.PipelineMetrics `optional:"true"`
}

func ProvideIngester(p IngesterParams) *Ingester {
	return NewIngester(p.Log.Named("transport.ingest"), p.Readings, p.Metrics)
}

var Module = fx.Module("transport",
	fx.Provide(ProvideIngester),
)
