package realtime

import (
	"context"
	"time"

	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type MonitorParams struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Registry *Registry
	Runtime  *config.RuntimeHolder
	Metrics  *metrics.PipelineMetrics `optional:"true"`
}

// Monitor prunes stale subscriptions and publishes registry gauges.
type Monitor struct {
	log      *zap.Logger
	registry *Registry
	runtime  *config.RuntimeHolder
	metrics  *metrics.PipelineMetrics
	interval time.Duration
}

func NewMonitor(p MonitorParams) *Monitor {
	interval := p.Cfg.Subscriptions.PruneInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		log:      p.Log.Named("realtime.monitor"),
		registry: p.Registry,
		runtime:  p.Runtime,
		metrics:  p.Metrics,
		interval: interval,
	}
}

// RunOnce prunes connections idle past the configured threshold.
func (m *Monitor) RunOnce() int {
	threshold := m.runtime.Get().SubscriptionStaleAfter
	pruned := m.registry.PruneStaleConnections(threshold)
	snapshot := m.registry.GetSnapshot()

	m.metrics.AddPruned(pruned)
	m.metrics.SetLive(snapshot.TotalConnections, len(snapshot.PerStreamCounts))
	if pruned > 0 {
		m.log.Info("pruned stale live connections",
			zap.Int("pruned", pruned),
			zap.Int("connections", snapshot.TotalConnections),
			zap.Duration("threshold", threshold),
		)
	}
	return pruned
}

func (m *Monitor) RunForever(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}
