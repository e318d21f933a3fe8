// Package observe provides the observability primitives for callbridge:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format via [InitProvider] and [MetricsHandler]. A package-level
// [DefaultMetrics] instance is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/tiendavoz/callbridge"

// Metrics holds the OpenTelemetry instruments for the application.
type Metrics struct {
	// ConnectDuration tracks how long Connect took, from dial to setup sent.
	// Attribute: provider.
	ConnectDuration metric.Float64Histogram

	// FramesSent counts capture frames written to a provider. Attribute: provider.
	FramesSent metric.Int64Counter

	// EventsReceived counts inbound events. Attributes: provider, kind.
	EventsReceived metric.Int64Counter

	// ProtocolErrors counts inbound messages that could not be demultiplexed.
	// Attribute: provider.
	ProtocolErrors metric.Int64Counter

	// ProviderErrors counts failed session attempts and mid-call failures.
	// Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes.
	// Attributes: provider, to.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks the number of open speech sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCalls tracks the number of connected telephony calls.
	ActiveCalls metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// session setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("callbridge.session.connect.duration",
		metric.WithDescription("Latency of opening a speech session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("callbridge.session.frames.sent",
		metric.WithDescription("Capture frames sent to a provider."),
	); err != nil {
		return nil, err
	}
	if met.EventsReceived, err = m.Int64Counter("callbridge.session.events",
		metric.WithDescription("Inbound session events by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("callbridge.session.protocol.errors",
		metric.WithDescription("Inbound messages that could not be parsed."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callbridge.provider.errors",
		metric.WithDescription("Provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("callbridge.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.active_sessions",
		metric.WithDescription("Number of open speech sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of connected telephony calls."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderError records one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}

// ── Session observer ─────────────────────────────────────────────────────────

// SessionObserver adapts [Metrics] to [s2s.Observer] so sessions report
// their lifecycle without importing OpenTelemetry.
type SessionObserver struct {
	m *Metrics
}

var _ s2s.Observer = (*SessionObserver)(nil)

// NewSessionObserver returns an [s2s.Observer] recording into m.
func NewSessionObserver(m *Metrics) *SessionObserver {
	return &SessionObserver{m: m}
}

func providerAttr(provider string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", provider))
}

// Connected records the connect latency and counts the session as active.
func (o *SessionObserver) Connected(provider string, elapsed time.Duration) {
	ctx := context.Background()
	o.m.ConnectDuration.Record(ctx, elapsed.Seconds(), providerAttr(provider))
	o.m.ActiveSessions.Add(ctx, 1, providerAttr(provider))
}

// Closed removes the session from the active count.
func (o *SessionObserver) Closed(provider string) {
	o.m.ActiveSessions.Add(context.Background(), -1, providerAttr(provider))
}

// FrameSent counts one capture frame.
func (o *SessionObserver) FrameSent(provider string) {
	o.m.FramesSent.Add(context.Background(), 1, providerAttr(provider))
}

// EventReceived counts one inbound event.
func (o *SessionObserver) EventReceived(provider string, kind s2s.EventKind) {
	o.m.EventsReceived.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind.String()),
		),
	)
}

// ProtocolError counts one unparseable inbound message.
func (o *SessionObserver) ProtocolError(provider string) {
	o.m.ProtocolErrors.Add(context.Background(), 1, providerAttr(provider))
}
