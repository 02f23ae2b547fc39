package alert

import (
	"context"
	"time"

	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tickLockKey = "pulse:alert:tick"

type WorkerParams struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Clock   clock.Clock
	Service alertdomain.Service
	Locker  *ratelimit.Locker `optional:"true"`
}

// Worker runs the evaluation loop. With locking enabled only the replica
// holding the tick lease evaluates.
type Worker struct {
	log      *zap.Logger
	clock    clock.Clock
	svc      alertdomain.Service
	locker   *ratelimit.Locker
	interval time.Duration
}

func NewWorker(p WorkerParams) *Worker {
	interval := p.Cfg.Alerting.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w := &Worker{
		log:      p.Log.Named("alert.worker"),
		clock:    p.Clock,
		svc:      p.Service,
		interval: interval,
	}
	if p.Cfg.Alerting.LockEnabled && p.Locker.Enabled() {
		w.locker = p.Locker
	}
	return w
}

func (w *Worker) RunOnce(ctx context.Context) {
	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, tickLockKey, w.interval)
		if err != nil {
			w.log.Warn("alert tick lock failed", zap.Error(err))
			return
		}
		if !ok {
			w.log.Debug("alert tick held by another replica")
			return
		}
		defer func() {
			if err := w.locker.Release(context.Background(), tickLockKey, token); err != nil {
				w.log.Warn("alert tick lock release failed", zap.Error(err))
			}
		}()
	}

	summary, err := w.svc.Tick(ctx, w.clock.Now())
	if err != nil {
		w.log.Error("alert tick failed", zap.Error(err))
		return
	}
	if summary.Fired > 0 || summary.Resolved > 0 || summary.Failed > 0 || summary.TimedOut > 0 {
		w.log.Info("alert tick completed",
			zap.Int("sites", summary.Sites),
			zap.Int("evaluated", summary.Evaluated),
			zap.Int("fired", summary.Fired),
			zap.Int("resolved", summary.Resolved),
			zap.Int("failed", summary.Failed),
			zap.Int("timed_out", summary.TimedOut),
		)
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}
