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

// Metrics exposes application-level instruments.
type Metrics struct {
	callbacks    metric.Int64Counter
	resolutions  metric.Int64Counter
	gatewayCalls metric.Int64Counter
	invoices     metric.Int64Counter
	fulfillments metric.Int64Counter
	cacheLookups metric.Int64Counter
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
		name = "coursepay"
	}
	meter := provider.Meter(name)

	callbacks, err := meter.Int64Counter("coursepay_payment_callbacks_total")
	if err != nil {
		return nil, err
	}
	resolutions, err := meter.Int64Counter("coursepay_payment_resolutions_total")
	if err != nil {
		return nil, err
	}
	gatewayCalls, err := meter.Int64Counter("coursepay_gateway_calls_total")
	if err != nil {
		return nil, err
	}
	invoices, err := meter.Int64Counter("coursepay_invoice_attempts_total")
	if err != nil {
		return nil, err
	}
	fulfillments, err := meter.Int64Counter("coursepay_fulfillments_total")
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("coursepay_status_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		callbacks:    callbacks,
		resolutions:  resolutions,
		gatewayCalls: gatewayCalls,
		invoices:     invoices,
		fulfillments: fulfillments,
		cacheLookups: cacheLookups,
	}, nil
}

// RecordCallback counts webhook deliveries by normalized status and result.
func (m *Metrics) RecordCallback(ctx context.Context, status, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.callbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResolution counts status resolutions by the layer that answered.
func (m *Metrics) RecordResolution(ctx context.Context, source, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall counts outbound gateway requests.
func (m *Metrics) RecordGatewayCall(ctx context.Context, operation, profile, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("profile", strings.TrimSpace(profile)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvoiceAttempt counts invoice creation attempts per receiver position.
func (m *Metrics) RecordInvoiceAttempt(ctx context.Context, serviceType, result string, fallback bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("service_type", strings.TrimSpace(serviceType)),
		attribute.String("result", strings.TrimSpace(result)),
		attribute.Bool("fallback", fallback),
	)
	m.invoices.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFulfillment counts fulfillment outcomes.
func (m *Metrics) RecordFulfillment(ctx context.Context, itemType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("item_type", strings.TrimSpace(itemType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.fulfillments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup counts status cache hits and misses.
func (m *Metrics) RecordCacheLookup(ctx context.Context, backend string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := FilterAttributes(
		attribute.String("backend", strings.TrimSpace(backend)),
		attribute.String("result", result),
	)
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"status":       {},
	"result":       {},
	"source":       {},
	"operation":    {},
	"profile":      {},
	"service_type": {},
	"fallback":     {},
	"item_type":    {},
	"outcome":      {},
	"backend":      {},
	"status_code":  {},
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
