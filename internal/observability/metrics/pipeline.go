package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"

	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
)

const (
	ErrorReasonDeadlineExceeded     = "deadline_exceeded"
	ErrorReasonDBLockTimeout        = "db_lock_timeout"
	ErrorReasonSerializationFailure = "serialization_failure"
	ErrorReasonUniqueViolation      = "unique_violation"
	ErrorReasonConnection           = "connection"
	ErrorReasonUnknown              = "unknown"
)

// PipelineMetrics holds the scrape metrics for ingestion, dispatch, the
// change feed and the background loops.
type PipelineMetrics struct {
	ingestReadings    *prometheus.CounterVec
	ingestRejections  *prometheus.CounterVec
	ingestBatchErrors *prometheus.CounterVec

	dispatchMessages  *prometheus.CounterVec
	liveConnections   prometheus.Gauge
	liveSubscriptions prometheus.Gauge
	livePruned        prometheus.Counter

	changefeedState      prometheus.Gauge
	changefeedReconnects prometheus.Counter
	changefeedLagBytes   prometheus.Gauge
	changefeedRows       *prometheus.CounterVec
	changefeedStatus     prometheus.Counter
	pollerReadings       prometheus.Counter

	alertEvaluations  *prometheus.CounterVec
	alertTransitions  *prometheus.CounterVec
	alertTickDuration prometheus.Histogram
	alertSiteTimeouts prometheus.Counter

	sessionsExpired prometheus.Counter
	aggregateLag    *prometheus.GaugeVec
	aggregateStale  *prometheus.GaugeVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

// NewPipelineMetrics registers a fresh set of collectors on registerer.
func NewPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "pulse"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: constLabels}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: constLabels})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels})
	}

	m := &PipelineMetrics{
		ingestReadings:    counterVec("pulse_ingest_readings_total", "Readings processed by protocol and outcome.", "protocol", "outcome"),
		ingestRejections:  counterVec("pulse_ingest_rejections_total", "Rejected readings by reason.", "reason"),
		ingestBatchErrors: counterVec("pulse_ingest_batch_errors_total", "Batches that failed as a whole.", "protocol", "reason"),

		dispatchMessages:  counterVec("pulse_dispatch_messages_total", "Live messages by source and outcome.", "source", "outcome"),
		liveConnections:   gauge("pulse_live_connections", "Connections holding at least one subscription."),
		liveSubscriptions: gauge("pulse_live_streams", "Streams with at least one subscriber."),
		livePruned:        counter("pulse_live_pruned_connections_total", "Connections removed for inactivity."),

		changefeedState:      gauge("pulse_changefeed_state", "Change feed state: 0 disconnected, 1 connected, 2 streaming."),
		changefeedReconnects: counter("pulse_changefeed_reconnects_total", "Change feed reconnect attempts."),
		changefeedLagBytes:   gauge("pulse_changefeed_unflushed_bytes", "Received minus flushed WAL position."),
		changefeedRows:       counterVec("pulse_changefeed_rows_total", "Replicated rows by outcome.", "outcome"),
		changefeedStatus:     counter("pulse_changefeed_status_updates_total", "Standby status updates sent."),
		pollerReadings:       counter("pulse_poller_readings_total", "Readings dispatched by the polling fallback."),

		alertEvaluations: counterVec("pulse_alert_evaluations_total", "Rule evaluations by outcome.", "outcome"),
		alertTransitions: counterVec("pulse_alert_transitions_total", "Alert lifecycle transitions.", "to"),
		alertTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "pulse_alert_tick_duration_seconds",
			Help:        "Wall time of one alert evaluation tick across all sites.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		alertSiteTimeouts: counter("pulse_alert_site_timeouts_total", "Sites whose evaluation exceeded the per-site budget."),

		sessionsExpired: counter("pulse_sessions_expired_total", "Ingestion sessions closed for inactivity."),
		aggregateLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_aggregate_lag_seconds", Help: "Age of the newest bucket per continuous aggregate.", ConstLabels: constLabels,
		}, []string{"view"}),
		aggregateStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_aggregate_stale", Help: "1 when a continuous aggregate exceeds its allowed lag.", ConstLabels: constLabels,
		}, []string{"view"}),
	}

	registerer.MustRegister(
		m.ingestReadings, m.ingestRejections, m.ingestBatchErrors,
		m.dispatchMessages, m.liveConnections, m.liveSubscriptions, m.livePruned,
		m.changefeedState, m.changefeedReconnects, m.changefeedLagBytes, m.changefeedRows, m.changefeedStatus, m.pollerReadings,
		m.alertEvaluations, m.alertTransitions, m.alertTickDuration, m.alertSiteTimeouts,
		m.sessionsExpired, m.aggregateLag, m.aggregateStale,
	)
	return m
}

func (m *PipelineMetrics) AddIngested(protocol, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ingestReadings.WithLabelValues(protocol, outcome).Add(float64(count))
}

func (m *PipelineMetrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.ingestRejections.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) IncBatchError(protocol, reason string) {
	if m == nil {
		return
	}
	m.ingestBatchErrors.WithLabelValues(protocol, reason).Inc()
}

func (m *PipelineMetrics) IncDispatch(source, outcome string) {
	if m == nil {
		return
	}
	m.dispatchMessages.WithLabelValues(source, outcome).Inc()
}

func (m *PipelineMetrics) SetLive(connections, streams int) {
	if m == nil {
		return
	}
	m.liveConnections.Set(float64(connections))
	m.liveSubscriptions.Set(float64(streams))
}

func (m *PipelineMetrics) AddPruned(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.livePruned.Add(float64(count))
}

func (m *PipelineMetrics) SetChangefeedState(state int) {
	if m == nil {
		return
	}
	m.changefeedState.Set(float64(state))
}

func (m *PipelineMetrics) IncChangefeedReconnect() {
	if m == nil {
		return
	}
	m.changefeedReconnects.Inc()
}

func (m *PipelineMetrics) SetChangefeedLag(bytes uint64) {
	if m == nil {
		return
	}
	m.changefeedLagBytes.Set(float64(bytes))
}

func (m *PipelineMetrics) IncChangefeedRow(outcome string) {
	if m == nil {
		return
	}
	m.changefeedRows.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) IncChangefeedStatus() {
	if m == nil {
		return
	}
	m.changefeedStatus.Inc()
}

func (m *PipelineMetrics) AddPolled(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.pollerReadings.Add(float64(count))
}

func (m *PipelineMetrics) IncAlertEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.alertEvaluations.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) IncAlertTransition(to string) {
	if m == nil {
		return
	}
	m.alertTransitions.WithLabelValues(to).Inc()
}

func (m *PipelineMetrics) ObserveAlertTick(d time.Duration) {
	if m == nil {
		return
	}
	m.alertTickDuration.Observe(max(d, 0).Seconds())
}

func (m *PipelineMetrics) IncAlertSiteTimeout() {
	if m == nil {
		return
	}
	m.alertSiteTimeouts.Inc()
}

func (m *PipelineMetrics) AddSessionsExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(count))
}

func (m *PipelineMetrics) SetAggregateLag(view string, lag time.Duration, stale bool) {
	if m == nil {
		return
	}
	m.aggregateLag.WithLabelValues(view).Set(lag.Seconds())
	value := 0.0
	if stale {
		value = 1
	}
	m.aggregateStale.WithLabelValues(view).Set(value)
}

// ClassifyError maps store errors to low-cardinality reasons.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ErrorReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return ErrorReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ErrorReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return ErrorReasonUniqueViolation
	case isConnectionError(err):
		return ErrorReasonConnection
	default:
		return ErrorReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}
