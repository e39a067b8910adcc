// Package observe provides application-wide observability primitives for
// liveterp: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all liveterp metrics.
const meterName = "github.com/avrillon/liveterp"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// Connections counts accepted connections. Use with attribute:
	//   attribute.String("role", ...)
	Connections metric.Int64Counter

	// Translations counts inbound transcript events. Use with attribute:
	//   attribute.String("status", "final"|"interim"|"rejected")
	Translations metric.Int64Counter

	// Broadcasts counts fan-out deliveries (one increment per destination
	// actually delivered). Use with attribute: attribute.String("event", ...)
	Broadcasts metric.Int64Counter

	// DroppedFrames counts outbound frames discarded because a client's send
	// queue was full or its connection was gone.
	DroppedFrames metric.Int64Counter

	// PersistFailures counts storage writes that failed after the broadcast
	// already went out.
	PersistFailures metric.Int64Counter

	// ReconcileRuns counts viewer-count reconciliations. Use with attribute:
	//   attribute.Bool("corrected", ...)
	ReconcileRuns metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of currently open connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- Histograms ---

	// IngestDuration tracks time spent validating and fanning out one
	// transcript event (excluding the detached persistence write).
	IngestDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// an in-memory fan-out path.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Connections, err = m.Int64Counter("liveterp.connections",
		metric.WithDescription("Total accepted connections by role."),
	); err != nil {
		return nil, err
	}
	if met.Translations, err = m.Int64Counter("liveterp.translations",
		metric.WithDescription("Total inbound transcript events by status."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("liveterp.broadcasts",
		metric.WithDescription("Total delivered outbound frames by event name."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("liveterp.dropped_frames",
		metric.WithDescription("Total outbound frames dropped due to slow or dead clients."),
	); err != nil {
		return nil, err
	}
	if met.PersistFailures, err = m.Int64Counter("liveterp.persist_failures",
		metric.WithDescription("Total failed transcript persistence writes."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileRuns, err = m.Int64Counter("liveterp.reconcile_runs",
		metric.WithDescription("Total viewer-count reconciliations by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("liveterp.active_connections",
		metric.WithDescription("Number of currently open connections."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.IngestDuration, err = m.Float64Histogram("liveterp.ingest.duration",
		metric.WithDescription("Latency of transcript event validation and fan-out."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("liveterp.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordConnection records one accepted connection for the given role.
func (m *Metrics) RecordConnection(ctx context.Context, role string) {
	m.Connections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	m.ActiveConnections.Add(ctx, 1)
}

// RecordDisconnect records one closed connection.
func (m *Metrics) RecordDisconnect(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// RecordTranslation records one inbound transcript event with the given
// status ("final", "interim", or "rejected").
func (m *Metrics) RecordTranslation(ctx context.Context, status string) {
	m.Translations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBroadcast records delivered deliveries for one fan-out of event.
func (m *Metrics) RecordBroadcast(ctx context.Context, event string, delivered int) {
	if delivered <= 0 {
		return
	}
	m.Broadcasts.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("event", event)))
}

// RecordReconcile records one reconciliation run and whether it corrected
// the viewer count.
func (m *Metrics) RecordReconcile(ctx context.Context, corrected bool) {
	m.ReconcileRuns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("corrected", corrected)))
}
