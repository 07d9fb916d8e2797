package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder records rate limiting decision and store metrics.
// This allows for dependency injection and easier testing.
type Recorder interface {
	// Decision metrics
	RecordCheck(ctx context.Context, module string, allowed bool, duration time.Duration)
	RecordDenial(ctx context.Context, module, reason string)
	RecordEvent(ctx context.Context, module, eventType string)

	// Store metrics
	RecordStoreOp(ctx context.Context, store, op string, duration time.Duration, err error)
	RecordFailover(ctx context.Context, from, to string)
	SetStoreHealth(ctx context.Context, store string, healthy bool)

	// HTTP metrics
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, reqSize, respSize int64)

	// Handler serves the metrics scrape endpoint.
	Handler() http.Handler
}

// PromRecorder implements Recorder on OpenTelemetry instruments exported
// through the Prometheus exporter.
type PromRecorder struct {
	handler http.Handler

	checksTotal   metric.Int64Counter
	checkDuration metric.Float64Histogram
	denialsTotal  metric.Int64Counter
	eventsTotal   metric.Int64Counter

	storeOpDuration metric.Float64Histogram
	storeErrors     metric.Int64Counter
	storeFailovers  metric.Int64Counter
	storeHealthy    metric.Int64Gauge

	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewPromRecorder creates a Prometheus-backed recorder with its own
// registry, so the scrape endpoint carries only this service's metrics.
func NewPromRecorder(cfg MetricsConfig) (*PromRecorder, error) {
	registry := prom.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := meterProvider.Meter(DefaultServiceName)

	r := &PromRecorder{
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	if r.checksTotal, err = meter.Int64Counter(
		"ratelimit_checks_total",
		metric.WithDescription("Total rate limit decisions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	if r.checkDuration, err = meter.Float64Histogram(
		"ratelimit_check_duration_seconds",
		metric.WithDescription("Rate limit decision duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	if r.denialsTotal, err = meter.Int64Counter(
		"ratelimit_denials_total",
		metric.WithDescription("Total denied requests by reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create denials counter: %w", err)
	}

	if r.eventsTotal, err = meter.Int64Counter(
		"ratelimit_events_total",
		metric.WithDescription("Total block and warning crossings"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	if r.storeOpDuration, err = meter.Float64Histogram(
		"store_operation_duration_seconds",
		metric.WithDescription("Counter store operation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store duration histogram: %w", err)
	}

	if r.storeErrors, err = meter.Int64Counter(
		"store_errors_total",
		metric.WithDescription("Total counter store errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}

	if r.storeFailovers, err = meter.Int64Counter(
		"store_failovers_total",
		metric.WithDescription("Total failovers from one store side to the other"),
	); err != nil {
		return nil, fmt.Errorf("failed to create failovers counter: %w", err)
	}

	if r.storeHealthy, err = meter.Int64Gauge(
		"store_healthy",
		metric.WithDescription("Store health by side (1 healthy, 0 degraded)"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store health gauge: %w", err)
	}

	if r.httpRequests, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if r.httpDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return r, nil
}

func (r *PromRecorder) RecordCheck(ctx context.Context, module string, allowed bool, duration time.Duration) {
	if r == nil || r.checksTotal == nil {
		return
	}

	r.checksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrModule, module),
		attribute.Bool(AttrDecision, allowed),
	))
	r.checkDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrModule, module),
	))
}

func (r *PromRecorder) RecordDenial(ctx context.Context, module, reason string) {
	if r == nil || r.denialsTotal == nil {
		return
	}

	r.denialsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrModule, module),
		attribute.String(AttrReason, reason),
	))
}

func (r *PromRecorder) RecordEvent(ctx context.Context, module, eventType string) {
	if r == nil || r.eventsTotal == nil {
		return
	}

	r.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrModule, module),
		attribute.String(AttrEventType, eventType),
	))
}

func (r *PromRecorder) RecordStoreOp(ctx context.Context, store, op string, duration time.Duration, err error) {
	if r == nil || r.storeOpDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrStore, store),
		attribute.String(AttrOperation, op),
	}

	r.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil && r.storeErrors != nil {
		r.storeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (r *PromRecorder) RecordFailover(ctx context.Context, from, to string) {
	if r == nil || r.storeFailovers == nil {
		return
	}

	r.storeFailovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *PromRecorder) SetStoreHealth(ctx context.Context, store string, healthy bool) {
	if r == nil || r.storeHealthy == nil {
		return
	}

	value := int64(0)
	if healthy {
		value = 1
	}
	r.storeHealthy.Record(ctx, value, metric.WithAttributes(attribute.String(AttrStore, store)))
}

func (r *PromRecorder) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, reqSize, respSize int64) {
	if r == nil || r.httpRequests == nil {
		return
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
		attribute.Int(AttrStatusCode, statusCode),
	}

	r.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	r.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// Handler returns the Prometheus scrape handler.
func (r *PromRecorder) Handler() http.Handler {
	return r.handler
}
