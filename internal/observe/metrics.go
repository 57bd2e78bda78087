// Package observe provides application-wide observability primitives for
// Del-Fi: OpenTelemetry metric instruments plus a Prometheus exporter bridge
// so an operator can scrape the node over the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Del-Fi metrics.
const meterName = "github.com/MrWong99/delfi"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// QueryDuration tracks slow-path query handling latency end to end.
	QueryDuration metric.Float64Histogram

	// LLMDuration tracks language-model inference latency.
	LLMDuration metric.Float64Histogram

	// Queries counts routed queries. Use with attribute:
	//   attribute.String("tier", "facts"|"cache"|"rag"|"peer"|"referral"|"refusal")
	Queries metric.Int64Counter

	// CacheHits counts exact-match response cache hits.
	CacheHits metric.Int64Counter

	// LLMFailures counts failed generation calls (trips of the breaker).
	LLMFailures metric.Int64Counter

	// MessagesSent counts outbound mesh transmissions.
	MessagesSent metric.Int64Counter

	// IndexedChunks tracks the current size of the vector index.
	IndexedChunks metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Slow-path
// queries on small hardware routinely take tens of seconds.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.QueryDuration, err = m.Float64Histogram("delfi.query.duration",
		metric.WithDescription("End-to-end slow-path query latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("delfi.llm.duration",
		metric.WithDescription("Language-model inference latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Queries, err = m.Int64Counter("delfi.queries",
		metric.WithDescription("Routed queries by answering tier."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("delfi.cache.hits",
		metric.WithDescription("Exact-match response cache hits."),
	); err != nil {
		return nil, err
	}
	if met.LLMFailures, err = m.Int64Counter("delfi.llm.failures",
		metric.WithDescription("Failed language-model calls."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("delfi.messages.sent",
		metric.WithDescription("Outbound mesh transmissions."),
	); err != nil {
		return nil, err
	}
	if met.IndexedChunks, err = m.Int64UpDownCounter("delfi.index.chunks",
		metric.WithDescription("Chunks currently in the vector index."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built from the global
// OTel meter provider. Instrument creation errors leave a zero-valued
// Metrics whose instruments are nil; callers check each instrument for nil
// before recording to it.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
