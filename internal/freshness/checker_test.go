package freshness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type hourlyRollup struct {
	Bucket time.Time
	Mean   float64
}

func (hourlyRollup) TableName() string { return "hourly_rollups" }

func newChecker(t *testing.T, aggregates ...config.AggregateConfig) (*Checker, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&hourlyRollup{}))

	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	checker := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Cfg:     config.Config{Monitor: config.MonitorConfig{Aggregates: aggregates}},
		Clock:   clk,
		Metrics: metrics.NewPipelineMetrics(prometheus.NewRegistry(), metrics.Config{}),
	})
	return checker, db, clk
}

func TestCheckReportsLagAgainstMaxLag(t *testing.T) {
	checker, db, clk := newChecker(t, config.AggregateConfig{View: "hourly_rollups", MaxLag: 2 * time.Hour})
	now := clk.Now()
	require.NoError(t, db.Create(&hourlyRollup{Bucket: now.Add(-3 * time.Hour), Mean: 1}).Error)
	require.NoError(t, db.Create(&hourlyRollup{Bucket: now.Add(-time.Hour), Mean: 2}).Error)

	statuses := checker.Check(context.Background())
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Stale)
	assert.Equal(t, time.Hour, statuses[0].Lag)
	require.NotNil(t, statuses[0].Latest)

	clk.Advance(90 * time.Minute)
	statuses = checker.Check(context.Background())
	assert.True(t, statuses[0].Stale)
	assert.Equal(t, 150*time.Minute, statuses[0].Lag)
}

func TestCheckEmptyAndMissingViewsAreStale(t *testing.T) {
	checker, _, _ := newChecker(t,
		config.AggregateConfig{View: "hourly_rollups", BucketColumn: "bucket", MaxLag: time.Hour},
		config.AggregateConfig{View: "daily_rollups", MaxLag: time.Hour},
	)

	statuses := checker.Check(context.Background())
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Stale)
	assert.Empty(t, statuses[0].Error)
	assert.True(t, statuses[1].Stale)
	assert.NotEmpty(t, statuses[1].Error)
}

func TestInvalidAggregatesAreIgnored(t *testing.T) {
	checker, _, _ := newChecker(t,
		config.AggregateConfig{View: "hourly; DROP TABLE x", MaxLag: time.Hour},
		config.AggregateConfig{View: "hourly_rollups", MaxLag: 0},
		config.AggregateConfig{View: "analytics.hourly_rollups", MaxLag: time.Hour},
	)
	require.Len(t, checker.aggregates, 1)
	assert.Equal(t, "analytics.hourly_rollups", checker.aggregates[0].View)
	assert.Equal(t, "bucket", checker.aggregates[0].BucketColumn)
}

func TestParseBucket(t *testing.T) {
	got, err := parseBucket("2025-03-01 10:00:00+00:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))

	got, err = parseBucket(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseBucket(42)
	assert.ErrorIs(t, err, ErrInvalidAggregate)
}
