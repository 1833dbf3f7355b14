// Package observe provides application-wide observability primitives for
// Switchboard: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/sonorlabs/switchboard"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long establishing an agent session takes,
	// across both transports. Use with attributes:
	//   attribute.String("transport", "signed"|"direct"), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// CallDuration tracks full call length from accepted upgrade to cleanup.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// InboundFrames counts 20 ms caller frames received from telephony.
	InboundFrames metric.Int64Counter

	// OutboundFrames counts 20 ms frames paced out to telephony.
	OutboundFrames metric.Int64Counter

	// UpstreamPackets counts audio packets forwarded to the agent.
	UpstreamPackets metric.Int64Counter

	// Turns counts closed caller turns. Use with attribute:
	//   attribute.String("reason", "silence"|"hard_cap"|"forced")
	Turns metric.Int64Counter

	// TransportFallbacks counts signed-URL failures that fell back to the
	// direct transport.
	TransportFallbacks metric.Int64Counter

	// AgentErrors counts agent sessions terminated by an error record or
	// transport failure.
	AgentErrors metric.Int64Counter

	// AuthRejections counts streams refused for a missing or wrong token.
	AuthRejections metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live bridged calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole
// phone calls.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("switchboard.agent.connect.duration",
		metric.WithDescription("Latency of establishing an agent session, by transport and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("switchboard.call.duration",
		metric.WithDescription("Length of a bridged call from upgrade to cleanup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.InboundFrames, err = m.Int64Counter("switchboard.telephony.inbound_frames",
		metric.WithDescription("Total 20 ms caller frames received from telephony."),
	); err != nil {
		return nil, err
	}
	if met.OutboundFrames, err = m.Int64Counter("switchboard.telephony.outbound_frames",
		metric.WithDescription("Total 20 ms frames paced out to telephony."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamPackets, err = m.Int64Counter("switchboard.agent.upstream_packets",
		metric.WithDescription("Total audio packets forwarded to the agent."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("switchboard.turns",
		metric.WithDescription("Total closed caller turns by exit reason."),
	); err != nil {
		return nil, err
	}
	if met.TransportFallbacks, err = m.Int64Counter("switchboard.agent.fallbacks",
		metric.WithDescription("Total signed-URL failures that fell back to the direct transport."),
	); err != nil {
		return nil, err
	}
	if met.AgentErrors, err = m.Int64Counter("switchboard.agent.errors",
		metric.WithDescription("Total agent sessions terminated by an error."),
	); err != nil {
		return nil, err
	}
	if met.AuthRejections, err = m.Int64Counter("switchboard.auth.rejections",
		metric.WithDescription("Total streams refused for a missing or wrong token."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("switchboard.active_calls",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("switchboard.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records one agent connection attempt with its transport and
// outcome.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, transport, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records one closed caller turn.
func (m *Metrics) RecordTurn(ctx context.Context, reason string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
