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

// Metrics exposes reconciliation-level instruments.
type Metrics struct {
	intentsIssued        metric.Int64Counter
	paymentNotifications metric.Int64Counter
	intentTransitions    metric.Int64Counter
	fulfillments         metric.Int64Counter
	rateLimitDenied      metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "mintflow"
	}
	meter := provider.Meter(name)

	intentsIssued, err := meter.Int64Counter("mintflow_intents_issued_total")
	if err != nil {
		return nil, err
	}
	paymentNotifications, err := meter.Int64Counter("mintflow_payment_notifications_total")
	if err != nil {
		return nil, err
	}
	intentTransitions, err := meter.Int64Counter("mintflow_intent_transitions_total")
	if err != nil {
		return nil, err
	}
	fulfillments, err := meter.Int64Counter("mintflow_fulfillments_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("mintflow_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		intentsIssued:        intentsIssued,
		paymentNotifications: paymentNotifications,
		intentTransitions:    intentTransitions,
		fulfillments:         fulfillments,
		rateLimitDenied:      rateLimitDenied,
	}, nil
}

// RecordIntentIssued counts issued payment requests per pool.
func (m *Metrics) RecordIntentIssued(ctx context.Context, poolRef string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("pool_ref", strings.TrimSpace(poolRef)))
	m.intentsIssued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentNotification counts webhook deliveries by outcome
// (ledgered, duplicate, rejected).
func (m *Metrics) RecordPaymentNotification(ctx context.Context, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.paymentNotifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordIntentTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.intentTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFulfillment counts fulfillment attempts by outcome and failure reason.
func (m *Metrics) RecordFulfillment(ctx context.Context, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.fulfillments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"pool_ref":    {},
	"endpoint":    {},
	"status_code": {},
	"outcome":     {},
	"reason":      {},
	"from":        {},
	"to":          {},
}

// FilterAttributes keeps only low-cardinality label keys.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			out = append(out, attr)
		}
	}
	return out
}
