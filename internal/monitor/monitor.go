package monitor

import (
	"context"
	"time"

	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/freshness"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Runtime   *config.RuntimeHolder
	Sessions  sessiondomain.Service
	Freshness *freshness.Checker
}

// Monitor closes idle ingestion sessions and checks aggregate freshness on
// a fixed interval.
type Monitor struct {
	log       *zap.Logger
	runtime   *config.RuntimeHolder
	sessions  sessiondomain.Service
	freshness *freshness.Checker
	interval  time.Duration
}

// Report is the outcome of one monitor pass.
type Report struct {
	SessionsExpired int
	Aggregates      []freshness.Status
}

func New(p Params) *Monitor {
	interval := p.Cfg.Monitor.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		log:       p.Log.Named("monitor"),
		runtime:   p.Runtime,
		sessions:  p.Sessions,
		freshness: p.Freshness,
		interval:  interval,
	}
}

func (m *Monitor) RunOnce(ctx context.Context) Report {
	var report Report

	expired, err := m.sessions.ExpireIdle(ctx, m.runtime.Get().SessionIdleTimeout)
	if err != nil {
		m.log.Warn("session expiry failed", zap.Error(err))
	} else {
		report.SessionsExpired = expired
	}

	if m.freshness != nil {
		report.Aggregates = m.freshness.Check(ctx)
	}
	return report
}

func (m *Monitor) RunForever(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}
