// Package observe provides observability primitives for Parley:
// OpenTelemetry metrics with a Prometheus exporter bridge, a session
// recorder for the voice pipeline, and HTTP middleware.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all Parley metrics.
const meterName = "github.com/parleyvoice/parley"

// Metrics holds the OpenTelemetry metric instruments for the voice
// platform. All fields are safe for concurrent use — the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// TurnDuration tracks a full user turn: completed utterance to the end
	// of the tool loop.
	TurnDuration metric.Float64Histogram

	// ToolDuration tracks a single tool execution, builtin or sandboxed.
	ToolDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of one browser session.
	SessionDuration metric.Float64Histogram

	// Turns counts completed user turns. Use with attribute:
	//   attribute.String("agent", ...)
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...)
	ToolCalls metric.Int64Counter

	// Deploys counts bundle deploys. Use with attributes:
	//   attribute.String("slug", ...), attribute.String("status", ...)
	Deploys metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram boundaries (in seconds) sized for voice
// pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Latency of one user turn through the tool loop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("parley.tool.duration",
		metric.WithDescription("Latency of a single tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("parley.session.duration",
		metric.WithDescription("Lifetime of one browser session."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Total completed user turns by agent."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parley.tool.calls",
		metric.WithDescription("Total tool invocations by tool name."),
	); err != nil {
		return nil, err
	}
	if met.Deploys, err = m.Int64Counter("parley.deploys",
		metric.WithDescription("Total bundle deploys by slug and status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider. Panics if instrument
// creation fails (should not happen with the global provider).
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

// SessionRecorder adapts [Metrics] to the session layer's recorder
// interface, pinning the agent attribute for one session.
type SessionRecorder struct {
	metrics *Metrics
	agent   string
}

// NewSessionRecorder creates a recorder for one session of the given agent.
func NewSessionRecorder(m *Metrics, agent string) *SessionRecorder {
	return &SessionRecorder{metrics: m, agent: agent}
}

// SessionStarted increments the live-session gauge.
func (r *SessionRecorder) SessionStarted(ctx context.Context) {
	r.metrics.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", r.agent)))
}

// TurnStarted counts a turn entering the tool loop.
func (r *SessionRecorder) TurnStarted(ctx context.Context) {
	r.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", r.agent)))
}

// TurnCompleted records the turn latency.
func (r *SessionRecorder) TurnCompleted(ctx context.Context, d time.Duration) {
	r.metrics.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("agent", r.agent)))
}

// ToolExecuted counts and times one tool invocation.
func (r *SessionRecorder) ToolExecuted(ctx context.Context, name string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("tool", name))
	r.metrics.ToolCalls.Add(ctx, 1, attrs)
	r.metrics.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// SessionClosed records the session lifetime and releases the gauge slot.
func (r *SessionRecorder) SessionClosed(ctx context.Context, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("agent", r.agent))
	r.metrics.ActiveSessions.Add(ctx, -1, attrs)
	r.metrics.SessionDuration.Record(ctx, d.Seconds(), attrs)
}
