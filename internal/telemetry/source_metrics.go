package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/homedeck/homedeck/internal/supervisor"

// SourceMetrics records fetch outcomes, fetch latency and lifecycle
// transitions of supervised sources. A nil *SourceMetrics is valid and
// records nothing.
type SourceMetrics struct {
	tracer      trace.Tracer
	fetchTotal  metric.Int64Counter
	fetchTime   metric.Float64Histogram
	transitions metric.Int64Counter
}

// NewSourceMetrics creates instruments on the global meter and tracer
// providers.
func NewSourceMetrics() (*SourceMetrics, error) {
	return NewSourceMetricsWith(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// NewSourceMetricsWith creates instruments on the given providers.
func NewSourceMetricsWith(mp metric.MeterProvider, tp trace.TracerProvider) (*SourceMetrics, error) {
	meter := mp.Meter(instrumentationName)

	fetchTotal, err := meter.Int64Counter(
		"source.fetch.total",
		metric.WithDescription("Total number of source fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	fetchTime, err := meter.Float64Histogram(
		"source.fetch.duration",
		metric.WithDescription("Duration of source fetches in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"source.status.transitions",
		metric.WithDescription("Number of source lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &SourceMetrics{
		tracer:      tp.Tracer(instrumentationName),
		fetchTotal:  fetchTotal,
		fetchTime:   fetchTime,
		transitions: transitions,
	}, nil
}

// FetchSpan tracks a single fetch. End must be called exactly once.
type FetchSpan struct {
	metrics  *SourceMetrics
	span     trace.Span
	sourceID string
	op       string
	start    time.Time
}

// StartFetch opens a span for a fetch. op is "fetch" for scheduled and
// manual fetches and "backfill" for catch-up requests.
func (m *SourceMetrics) StartFetch(ctx context.Context, sourceID, op string) (context.Context, *FetchSpan) {
	fs := &FetchSpan{metrics: m, sourceID: sourceID, op: op, start: time.Now()}
	if m == nil {
		return ctx, fs
	}

	ctx, fs.span = m.tracer.Start(ctx, "source."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("source.id", sourceID),
		),
	)
	return ctx, fs
}

// End records the outcome of the fetch and closes its span.
func (fs *FetchSpan) End(ctx context.Context, outcome string, err error) {
	if fs == nil || fs.metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", fs.sourceID),
		attribute.String("operation", fs.op),
		attribute.String("outcome", outcome),
	}
	m := fs.metrics
	m.fetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.fetchTime.Record(ctx, time.Since(fs.start).Seconds(), metric.WithAttributes(attrs...))

	fs.span.SetAttributes(attribute.String("source.outcome", outcome))
	if err != nil {
		fs.span.RecordError(err)
		fs.span.SetStatus(codes.Error, err.Error())
	}
	fs.span.End()
}

// RecordTransition counts a lifecycle transition.
func (m *SourceMetrics) RecordTransition(sourceID, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", sourceID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
