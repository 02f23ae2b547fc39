package metricspush

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	readings := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pulse_ingest_readings_total"}, []string{"protocol"})
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "pulse_alert_tick_duration_seconds"})
	reg.MustRegister(readings, lag)
	readings.WithLabelValues("mqtt").Add(42)
	lag.Observe(0.2)
	return reg
}

func TestRemoteWritePusherSendsCountersAndGauges(t *testing.T) {
	var got prompb.WriteRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, got.Unmarshal(decoded))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	require.NoError(t, pusher.Push(context.Background(), testRegistry(t)))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	require.Len(t, got.Timeseries, 1)
	series := got.Timeseries[0]
	require.Len(t, series.Labels, 2)
	assert.Equal(t, "__name__", series.Labels[0].Name)
	assert.Equal(t, "pulse_ingest_readings_total", series.Labels[0].Value)
	assert.Equal(t, "protocol", series.Labels[1].Name)
	assert.Equal(t, "mqtt", series.Labels[1].Value)
	require.Len(t, series.Samples, 1)
	assert.Equal(t, 42.0, series.Samples[0].Value)
}

func TestRemoteWritePusherReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), testRegistry(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushgatewayPusherUsesJobAndGrouping(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pusher := NewPushgatewayPusher(srv.URL, "pulse", map[string]string{"environment": "edge", "empty": ""})
	require.NoError(t, pusher.Push(context.Background(), testRegistry(t)))
	assert.True(t, strings.HasPrefix(path, "/metrics/job/pulse"), path)
	assert.Contains(t, path, "environment/edge")
	assert.NotContains(t, path, "empty")
}

func TestNewPusherSelection(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, log))

	cfg := config.Config{MetricsPush: config.MetricsPushConfig{Exporter: ExporterRemoteWrite, Endpoint: "not a url"}}
	assert.Nil(t, NewPusher(cfg, log))

	cfg.MetricsPush.Endpoint = "http://collector:9090/api/v1/write"
	assert.IsType(t, &RemoteWritePusher{}, NewPusher(cfg, log))

	cfg.MetricsPush.Exporter = ExporterPushgateway
	assert.IsType(t, &PushgatewayPusher{}, NewPusher(cfg, log))

	cfg.MetricsPush.Exporter = "statsd"
	assert.Nil(t, NewPusher(cfg, log))
}

type failingPusher struct{ calls int }

func (f *failingPusher) Push(context.Context, prometheus.Gatherer) error {
	f.calls++
	return errors.New("collector down")
}

func TestWorkerRunOnce(t *testing.T) {
	disabled := NewWorker(WorkerParams{Log: zap.NewNop()})
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.RunOnce(context.Background()))

	fp := &failingPusher{}
	w := NewWorker(WorkerParams{Log: zap.NewNop(), Pusher: fp, Gatherer: prometheus.NewRegistry()})
	require.True(t, w.Enabled())
	assert.Error(t, w.RunOnce(context.Background()))
	assert.Error(t, w.RunOnce(context.Background()))
	assert.Equal(t, 2, fp.calls)
	assert.True(t, w.failing)
}
