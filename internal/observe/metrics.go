// Package observe holds the OpenTelemetry metric instruments recorded by the
// gateway and the MCP layer, and the provider that exports them to
// Prometheus.
package observe

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "asrai-mcp"

// Metrics holds all instruments. The OTel types are safe for concurrent use.
type Metrics struct {
	// ToolCalls counts tool invocations by "tool" and "status".
	ToolCalls    metric.Int64Counter
	ToolDuration metric.Float64Histogram

	// UpstreamRequests counts paid calls by "method" and "status".
	UpstreamRequests metric.Int64Counter
	UpstreamDuration metric.Float64Histogram

	SpendCharged  metric.Float64Counter
	SpendRejected metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are in seconds and cover the 30s gateway timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 55,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCalls, err = m.Int64Counter("asrai.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("asrai.tool.duration",
		metric.WithDescription("Wall-clock latency of tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamRequests, err = m.Int64Counter("asrai.upstream.requests",
		metric.WithDescription("Paid upstream requests by method and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDuration, err = m.Float64Histogram("asrai.upstream.duration",
		metric.WithDescription("Latency of paid upstream requests, including the payment round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpendCharged, err = m.Float64Counter("asrai.spend.charged",
		metric.WithDescription("USDC charged against session spend guards."),
		metric.WithUnit("{USDC}"),
	); err != nil {
		return nil, err
	}
	if met.SpendRejected, err = m.Int64Counter("asrai.spend.rejected",
		metric.WithDescription("Calls refused because the session ceiling was reached."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("asrai.sessions.active",
		metric.WithDescription("Number of open MCP sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Discard returns instruments that record nothing.
func Discard() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return met
}
