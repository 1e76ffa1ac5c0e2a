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

// Metrics exposes accounting instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	eventsIngested   metric.Int64Counter
	eventsRejected   metric.Int64Counter
	deltasApplied    metric.Int64Counter
	deltasDuplicated metric.Int64Counter
	quotaExhausted   metric.Int64Counter
	overflows        metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New configures the accounting instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tunnelgate"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.eventsIngested, "tunnelgate_traffic_events_ingested_total"},
		{&m.eventsRejected, "tunnelgate_traffic_events_rejected_total"},
		{&m.deltasApplied, "tunnelgate_quota_deltas_applied_total"},
		{&m.deltasDuplicated, "tunnelgate_quota_deltas_duplicate_total"},
		{&m.quotaExhausted, "tunnelgate_quota_exhausted_total"},
		{&m.overflows, "tunnelgate_counter_overflow_total"},
		{&m.rateLimitDenied, "tunnelgate_rate_limit_denied_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) RecordIngest(ctx context.Context, source string, accepted, rejected int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("source", strings.TrimSpace(source)))...)
	if accepted > 0 {
		m.eventsIngested.Add(ctx, int64(accepted), attrs)
	}
	if rejected > 0 {
		m.eventsRejected.Add(ctx, int64(rejected), attrs)
	}
}

func (m *Metrics) RecordDelta(ctx context.Context, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.deltasApplied.Add(ctx, 1)
		return
	}
	m.deltasDuplicated.Add(ctx, 1)
}

func (m *Metrics) RecordQuotaExhausted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.quotaExhausted.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

func (m *Metrics) RecordOverflow(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.overflows.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("component", component))...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("endpoint", endpoint))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"source":      {},
	"reason":      {},
	"component":   {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips labels that would carry user or subscription ids.
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
