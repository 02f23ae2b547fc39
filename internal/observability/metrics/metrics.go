package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes OTLP-exported instruments. Prometheus scrape metrics live
// in PipelineMetrics.
type Metrics struct {
	ingestReadings   metric.Int64Counter
	ingestLatency    metric.Float64Histogram
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	alertTransitions metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "pulse"
	}
	meter := provider.Meter(name)

	ingestReadings, err := meter.Int64Counter("pulse_ingest_readings",
		metric.WithDescription("Readings processed by the ingestion gateway."))
	if err != nil {
		return nil, err
	}
	ingestLatency, err := meter.Float64Histogram("pulse_ingest_batch_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Ingestion batch latency."))
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("pulse_rate_limit_allowed")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("pulse_rate_limit_denied")
	if err != nil {
		return nil, err
	}
	alertTransitions, err := meter.Int64Counter("pulse_alert_transitions")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ingestReadings:   ingestReadings,
		ingestLatency:    ingestLatency,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
		alertTransitions: alertTransitions,
	}, nil
}

// RecordIngest adds count readings with the given outcome.
func (m *Metrics) RecordIngest(ctx context.Context, protocol, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("protocol", strings.TrimSpace(protocol)),
		attribute.String("outcome", outcome),
	)
	m.ingestReadings.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) ObserveIngestLatency(ctx context.Context, protocol string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("protocol", strings.TrimSpace(protocol)))
	m.ingestLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, siteID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("site_id", strings.TrimSpace(siteID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, siteID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("site_id", strings.TrimSpace(siteID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordAlertTransition(ctx context.Context, siteID, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("site_id", strings.TrimSpace(siteID)),
		attribute.String("status", to),
	)
	m.alertTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"site_id":     {},
	"protocol":    {},
	"outcome":     {},
	"endpoint":    {},
	"status":      {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
