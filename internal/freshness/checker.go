package freshness

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var ErrInvalidAggregate = errors.New("invalid_aggregate")

// Status is the freshness of one continuous aggregate.
type Status struct {
	View   string        `json:"view"`
	Latest *time.Time    `json:"latest,omitempty"`
	Lag    time.Duration `json:"lag"`
	MaxLag time.Duration `json:"maxLag"`
	Stale  bool          `json:"stale"`
	Error  string        `json:"error,omitempty"`
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Clock   clock.Clock
	Metrics *metrics.PipelineMetrics `optional:"true"`
}

// Checker compares the newest bucket of each configured aggregate view
// against its allowed lag.
type Checker struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	metrics    *metrics.PipelineMetrics
	aggregates []config.AggregateConfig
}

func New(p Params) *Checker {
	log := p.Log.Named("freshness")
	aggregates := make([]config.AggregateConfig, 0, len(p.Cfg.Monitor.Aggregates))
	for _, agg := range p.Cfg.Monitor.Aggregates {
		agg.View = strings.TrimSpace(agg.View)
		agg.BucketColumn = strings.TrimSpace(agg.BucketColumn)
		if agg.BucketColumn == "" {
			agg.BucketColumn = "bucket"
		}
		if !identifier.MatchString(agg.View) || !identifier.MatchString(agg.BucketColumn) || agg.MaxLag <= 0 {
			log.Warn("ignoring invalid aggregate", zap.String("view", agg.View), zap.String("column", agg.BucketColumn))
			continue
		}
		aggregates = append(aggregates, agg)
	}
	return &Checker{
		db:         p.DB,
		log:        log,
		clock:      p.Clock,
		metrics:    p.Metrics,
		aggregates: aggregates,
	}
}

// Check inspects every aggregate. A failing view is reported as stale and
// does not stop the others.
func (c *Checker) Check(ctx context.Context) []Status {
	now := c.clock.Now()
	statuses := make([]Status, 0, len(c.aggregates))
	for _, agg := range c.aggregates {
		status := Status{View: agg.View, MaxLag: agg.MaxLag}

		latest, err := c.latestBucket(ctx, agg)
		switch {
		case err != nil:
			status.Stale = true
			status.Error = err.Error()
			c.log.Warn("aggregate freshness query failed", zap.String("view", agg.View), zap.Error(err))
		case latest == nil:
			status.Stale = true
			c.log.Warn("aggregate has no buckets", zap.String("view", agg.View))
		default:
			status.Latest = latest
			status.Lag = now.Sub(*latest)
			if status.Lag < 0 {
				status.Lag = 0
			}
			status.Stale = status.Lag > agg.MaxLag
			if status.Stale {
				c.log.Warn("aggregate is stale",
					zap.String("view", agg.View),
					zap.Duration("lag", status.Lag),
					zap.Duration("max_lag", agg.MaxLag),
				)
			}
		}

		c.metrics.SetAggregateLag(agg.View, status.Lag, status.Stale)
		statuses = append(statuses, status)
	}
	return statuses
}

func (c *Checker) latestBucket(ctx context.Context, agg config.AggregateConfig) (*time.Time, error) {
	var raw any
	err := c.db.WithContext(ctx).Raw(
		`SELECT MAX(?) FROM ?`,
		clause.Column{Name: agg.BucketColumn},
		clause.Table{Name: agg.View},
	).Row().Scan(&raw)
	if err != nil {
		return nil, err
	}
	return parseBucket(raw)
}

var bucketLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseBucket(raw any) (*time.Time, error) {
	var text string
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return nil, fmt.Errorf("%w: unsupported bucket type %T", ErrInvalidAggregate, raw)
	}
	for _, layout := range bucketLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: unparseable bucket %q", ErrInvalidAggregate, text)
}
