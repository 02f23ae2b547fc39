package changefeed

import (
	"context"
	"time"

	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// defaultSettleDelay keeps the poller behind the newest ingestion stamps so
// that transactions committing slightly out of stamp order are not skipped.
// It must exceed the slowest expected batch insert.
const defaultSettleDelay = 2 * time.Second

// ReadingLister is the slice of the reading service the poller needs.
type ReadingLister interface {
	ListIngestedAfter(ctx context.Context, cursor readingdomain.IngestCursor, until time.Time, limit int) ([]readingdomain.SensorReading, error)
}

// StreamingStatus reports whether the change feed is live.
type StreamingStatus interface {
	Streaming() bool
}

type PollerParams struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Clock     clock.Clock
	Readings  readingdomain.Service
	Publisher Publisher
	Feed      StreamingStatus          `optional:"true"`
	Metrics   *metrics.PipelineMetrics `optional:"true"`
}

// Poller delivers new readings by querying the store while the change feed
// is not streaming.
type Poller struct {
	log       *zap.Logger
	clock     clock.Clock
	readings  ReadingLister
	publisher Publisher
	feed      StreamingStatus
	metrics   *metrics.PipelineMetrics
	interval  time.Duration
	batchSize int
	settle    time.Duration
	enabled   bool

	cursor readingdomain.IngestCursor
}

func NewPoller(p PollerParams) *Poller {
	interval := p.Cfg.Polling.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := p.Cfg.Polling.BatchSize
	if batch <= 0 {
		batch = 500
	}
	settle := p.Cfg.Polling.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	return &Poller{
		log:       p.Log.Named("changefeed.poller"),
		clock:     p.Clock,
		readings:  p.Readings,
		publisher: p.Publisher,
		feed:      p.Feed,
		metrics:   p.Metrics,
		interval:  interval,
		batchSize: batch,
		settle:    settle,
		enabled:   p.Cfg.Polling.Enabled,
	}
}

// PollOnce dispatches readings ingested since the last poll. While the change
// feed streams it only keeps its cursor current.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	until := p.clock.Now().Add(-p.settle)
	if p.feed != nil && p.feed.Streaming() {
		p.cursor = readingdomain.IngestCursor{IngestedAt: until}
		return 0, nil
	}

	total := 0
	for {
		page, err := p.readings.ListIngestedAfter(ctx, p.cursor, until, p.batchSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		p.publishBySite(ctx, page)
		last := page[len(page)-1]
		p.cursor = readingdomain.IngestCursor{IngestedAt: last.IngestedAt, ID: last.ID}
		total += len(page)
		p.metrics.AddPolled(len(page))
		if len(page) < p.batchSize {
			return total, nil
		}
	}
}

// publishBySite groups a page by site, keeping first-seen order, and hands
// each group over with the site passed explicitly.
func (p *Poller) publishBySite(ctx context.Context, page []readingdomain.SensorReading) {
	groups := make(map[string][]readingdomain.SensorReading)
	var order []string
	for _, r := range page {
		if _, ok := groups[r.SiteID]; !ok {
			order = append(order, r.SiteID)
		}
		groups[r.SiteID] = append(groups[r.SiteID], r)
	}
	for _, siteID := range order {
		p.publishSite(ctx, siteID, groups[siteID])
	}
}

func (p *Poller) publishSite(ctx context.Context, siteID string, readings []readingdomain.SensorReading) {
	logger.WithSite(logger.WithContext(ctx, p.log), siteID).Debug("dispatching polled readings", zap.Int("count", len(readings)))
	p.publisher.PublishReadings(readings)
}

func (p *Poller) RunForever(ctx context.Context) {
	if !p.enabled {
		p.log.Info("polling fallback disabled")
		return
	}
	p.cursor = readingdomain.IngestCursor{IngestedAt: p.clock.Now().Add(-p.settle)}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("polling fallback failed", zap.Error(err))
			}
		}
	}
}
