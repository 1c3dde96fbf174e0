package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/localhands/marketplace"

// Metrics groups the instruments recorded by the API. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests      metric.Int64Counter
	latency       metric.Float64Histogram
	verifications metric.Int64Counter
	orderEvents   metric.Int64Counter
}

// NewMetrics registers instruments on the supplied meter, or the global provider when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	requests, err := meter.Int64Counter("http.server.requests",
		metric.WithDescription("Completed HTTP requests"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	verifications, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Token verification outcomes"))
	if err != nil {
		return nil, err
	}
	orderEvents, err := meter.Int64Counter("orders.events",
		metric.WithDescription("Order lifecycle events published"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		requests:      requests,
		latency:       latency,
		verifications: verifications,
		orderEvents:   orderEvents,
	}, nil
}

// RequestSample describes one completed HTTP request.
type RequestSample struct {
	Method      string
	Route       string
	Status      int
	OrderStatus string
	Elapsed     time.Duration
}

// RecordRequest counts one completed request. Order routes label the sample with the
// status the order was left in so transition traffic can be split per lifecycle stage.
func (m *Metrics) RecordRequest(ctx context.Context, sample RequestSample) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", sample.Method),
		attribute.String("http.route", sample.Route),
		attribute.Int("http.response.status_code", sample.Status),
		attribute.String("order.status", sample.OrderStatus),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(sample.Elapsed.Microseconds())/1000, attrs)
}

// RecordVerification satisfies the auth metrics recorder contract.
func (m *Metrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}

// RecordOrderEvent counts one published lifecycle event.
func (m *Metrics) RecordOrderEvent(ctx context.Context, eventType, status string) {
	if m == nil {
		return
	}
	m.orderEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("status", status),
	))
}
