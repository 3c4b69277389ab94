// Package observe provides application-wide observability primitives for
// glasses-cloud: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all glasses-cloud
// metrics.
const meterName = "github.com/rajeevrajeshuni/glasses-cloud"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionStreamInitDuration tracks how long StartStream takes on a
	// transcription provider, from call to a usable handle.
	TranscriptionStreamInitDuration metric.Float64Histogram

	// WebhookDuration tracks App-launch webhook round-trip latency.
	WebhookDuration metric.Float64Histogram

	// HTTPRequestDuration tracks admin HTTP request processing time.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts transcription provider StartStream calls. Use
	// with attributes: attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts transcription provider stream errors by provider
	// and retry class.
	ProviderErrors metric.Int64Counter

	// WebhookAttempts counts App-launch webhook delivery attempts by
	// outcome ("success", "timeout", "http_error").
	WebhookAttempts metric.Int64Counter

	// AuthFailures counts rejected glasses/App connection attempts by link
	// kind ("glasses", "app").
	AuthFailures metric.Int64Counter

	// SessionResurrections counts AppConnectionState transitions from
	// GRACE_PERIOD back to RUNNING.
	SessionResurrections metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live UserSession entries in the
	// SessionRegistry.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveAppConnections tracks the number of App connections currently
	// in the RUNNING state across all sessions.
	ActiveAppConnections metric.Int64UpDownCounter

	// ActiveTranscriptionStreams tracks the number of open StreamInstances
	// across all providers.
	ActiveTranscriptionStreams metric.Int64UpDownCounter

	// CircuitBreakerState tracks the current state of each named circuit
	// breaker. Use with attribute.String("name", ...); value is 0=closed,
	// 1=half-open, 2=open.
	CircuitBreakerState metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for stream-init and webhook latencies, which the spec bounds to single-
// digit seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionStreamInitDuration, err = m.Float64Histogram("glasses_cloud.transcription.stream_init.duration",
		metric.WithDescription("Latency of opening a new transcription provider stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("glasses_cloud.webhook.duration",
		metric.WithDescription("Latency of an App-launch webhook round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("glasses_cloud.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("glasses_cloud.transcription.provider.requests",
		metric.WithDescription("Total transcription provider StartStream calls by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("glasses_cloud.transcription.provider.errors",
		metric.WithDescription("Total transcription provider stream errors by provider and retry class."),
	); err != nil {
		return nil, err
	}
	if met.WebhookAttempts, err = m.Int64Counter("glasses_cloud.webhook.attempts",
		metric.WithDescription("Total App-launch webhook delivery attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("glasses_cloud.auth.failures",
		metric.WithDescription("Total rejected connection attempts by link kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionResurrections, err = m.Int64Counter("glasses_cloud.session.resurrections",
		metric.WithDescription("Total App connections resurrected from the grace period."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("glasses_cloud.active_sessions",
		metric.WithDescription("Number of live UserSession entries."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAppConnections, err = m.Int64UpDownCounter("glasses_cloud.active_app_connections",
		metric.WithDescription("Number of App connections currently in the RUNNING state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTranscriptionStreams, err = m.Int64UpDownCounter("glasses_cloud.active_transcription_streams",
		metric.WithDescription("Number of open transcription StreamInstances."),
	); err != nil {
		return nil, err
	}
	if met.CircuitBreakerState, err = m.Int64Gauge("glasses_cloud.circuit_breaker.state",
		metric.WithDescription("Current state of each named circuit breaker: 0=closed, 1=half-open, 2=open."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment with its retry classification.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, retryClass string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("retry_class", retryClass),
		),
	)
}

// RecordWebhookAttempt is a convenience method that records a webhook
// delivery attempt counter increment.
func (m *Metrics) RecordWebhookAttempt(ctx context.Context, outcome string) {
	m.WebhookAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordAuthFailure is a convenience method that records a rejected
// connection attempt by link kind.
func (m *Metrics) RecordAuthFailure(ctx context.Context, linkKind string) {
	m.AuthFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("link_kind", linkKind)),
	)
}
