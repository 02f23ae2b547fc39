package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/pulse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type WorkerParams struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Pusher   Pusher              `optional:"true"`
	Gatherer prometheus.Gatherer `optional:"true"`
}

// Worker pushes the process metrics on a fixed interval.
type Worker struct {
	log      *zap.Logger
	pusher   Pusher
	gatherer prometheus.Gatherer
	interval time.Duration
	failing  bool
}

func NewWorker(p WorkerParams) *Worker {
	interval := p.Cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Worker{
		log:      p.Log.Named("metrics.push"),
		pusher:   p.Pusher,
		gatherer: gatherer,
		interval: interval,
	}
}

func (w *Worker) Enabled() bool {
	return w != nil && w.pusher != nil
}

// RunOnce pushes one snapshot. Only the first failure of a streak is logged.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !w.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()

	if err := w.pusher.Push(ctx, w.gatherer); err != nil {
		if !w.failing {
			w.log.Warn("metrics push failed", zap.Error(err))
		}
		w.failing = true
		return err
	}
	if w.failing {
		w.log.Info("metrics push recovered")
	}
	w.failing = false
	return nil
}

func (w *Worker) RunForever(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	_ = w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			// Final push so short-lived gateways report their last counts.
			_ = w.RunOnce(context.Background())
			return
		case <-ticker.C:
			_ = w.RunOnce(ctx)
		}
	}
}
