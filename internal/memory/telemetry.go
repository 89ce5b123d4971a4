package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/scrypster/agentmem/internal/memory"

// Telemetry holds the tracer and counters shared by every manager of an
// engine.
type Telemetry struct {
	tracer            trace.Tracer
	degradedQueries   metric.Int64Counter
	omittedSources    metric.Int64Counter
	providerFallbacks metric.Int64Counter
}

// NewTelemetry creates instruments from the given providers. Nil providers
// fall back to the otel globals, which are no-ops until the host installs an
// SDK.
func NewTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*Telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	degraded, err := meter.Int64Counter("agentmem.semantic.degraded_queries",
		metric.WithDescription("Semantic queries answered by recency fallback"))
	if err != nil {
		return nil, err
	}
	omitted, err := meter.Int64Counter("agentmem.context.omitted_sources",
		metric.WithDescription("Context sources dropped because they failed or timed out"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("agentmem.embedding.fallbacks",
		metric.WithDescription("Facts stored without an embedding because the provider was unavailable"))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tracer:            tp.Tracer(instrumentationName),
		degradedQueries:   degraded,
		omittedSources:    omitted,
		providerFallbacks: fallbacks,
	}, nil
}
