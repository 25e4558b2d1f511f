// Package obs implements core.Telemetry with OpenTelemetry, exporting
// spans to an io.Writer (stdouttrace) rather than a collector endpoint
// — an embedding choice appropriate for a library whose demo/test
// environment has no OTLP collector running.
//
// RecordMetric routes to the right instrument without requiring
// callers to declare instruments up front, via a metric-name heuristic
// (names ending in count/total/errors/success -> counter, every other
// name -> histogram).
package obs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-run/agentflow/core"
)

// OtelTelemetry implements core.Telemetry over an OpenTelemetry
// TracerProvider/MeterProvider pair. Traces are written to Output as
// newline-delimited JSON; metrics are aggregated in-process by the
// MeterProvider, which has no exporter or reader attached.
type OtelTelemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	instruments *instrumentCache

	mu       sync.RWMutex
	shutdown bool
}

// Options configures an OtelTelemetry provider.
type Options struct {
	ServiceName string
	Output      io.Writer // defaults to os.Stdout if nil
}

// New constructs an OtelTelemetry provider wired to the given output.
func New(opts Options) (*OtelTelemetry, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("%w: service name is required for telemetry", core.ErrValidation)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(opts.ServiceName),
	)

	exporterOpts := []stdouttrace.Option{stdouttrace.WithoutTimestamps()}
	if opts.Output != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(opts.Output))
	}
	traceExporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(opts.ServiceName)
	instruments, err := newInstrumentCache(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric instruments: %w", err)
	}

	return &OtelTelemetry{
		tracer:         tracerProvider.Tracer(opts.ServiceName),
		meter:          meter,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		instruments:    instruments,
	}, nil
}

// StartSpan starts a new span, or a no-op span once the provider has
// been shut down.
func (o *OtelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.shutdown || o.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric routes name/value/labels to a counter or histogram
// instrument based on a naming heuristic.
func (o *OtelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.shutdown || o.instruments == nil {
		return
	}

	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx := context.Background()

	switch {
	case hasAnySuffix(name, "count", "total", "errors", "success"):
		o.instruments.recordCounter(ctx, name, int64(value), attrs)
	default:
		o.instruments.recordHistogram(ctx, name, value, attrs)
	}
}

// Shutdown flushes and stops the underlying providers. Safe to call
// more than once.
func (o *OtelTelemetry) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil
	}
	o.shutdown = true
	o.mu.Unlock()

	if err := o.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down meter provider: %w", err)
	}
	return nil
}

func hasAnySuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// otelSpan adapts an OpenTelemetry span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }
