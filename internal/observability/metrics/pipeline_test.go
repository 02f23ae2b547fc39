package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: ErrorReasonDeadlineExceeded},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ErrorReasonDBLockTimeout},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: ErrorReasonSerializationFailure},
		{name: "unique", err: gorm.ErrDuplicatedKey, want: ErrorReasonUniqueViolation},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, want: ErrorReasonConnection},
		{name: "unknown", err: errors.New("boom"), want: ErrorReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestPipelineCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPipelineMetrics(registry, Config{ServiceName: "pulse", Environment: "test"})

	m.AddIngested("http", OutcomeAccepted, 3)
	m.AddIngested("http", OutcomeAccepted, 0)
	m.IncDispatch("replication", OutcomeDropped)
	m.SetAggregateLag("readings_1m", 90*time.Second, true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingestReadings.WithLabelValues("http", OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchMessages.WithLabelValues("replication", OutcomeDropped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.aggregateStale.WithLabelValues("readings_1m")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.aggregateLag.WithLabelValues("readings_1m")))
}

func TestNilPipelineMetricsIsSafe(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.AddIngested("mqtt", OutcomeRejected, 1)
		m.SetLive(1, 1)
		m.ObserveAlertTick(time.Second)
	})
}
