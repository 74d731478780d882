// Package observe records call engine and relay metrics through the
// OpenTelemetry Metrics API.
//
// Metrics implements both call.Metrics and relay.Metrics, so one instance
// can be handed to the engine and to the relay server. Tests should build it
// with NewMetrics over an SDK MeterProvider backed by a ManualReader.
package observe

import (
	"context"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for every instrument here.
const meterName = "github.com/clubhouse/callengine"

// negotiationBuckets are histogram bounds in seconds, from a LAN handshake
// up to the negotiation timeout.
var negotiationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 12, 15,
}

// Metrics holds the OpenTelemetry instruments. Safe for concurrent use.
type Metrics struct {
	CallsStarted       metric.Int64Counter
	CallsEnded         metric.Int64Counter
	CallsActive        metric.Int64UpDownCounter
	ReconnectAttempts  metric.Int64Counter
	QualityChanges     metric.Int64Counter
	NegotiationLatency metric.Float64Histogram

	RelayEnvelopes   metric.Int64Counter
	RelayConnections metric.Int64UpDownCounter
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsStarted, err = m.Int64Counter("callengine.calls.started",
		metric.WithDescription("Calls that started ringing, by role."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("callengine.calls.ended",
		metric.WithDescription("Calls that ended, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallsActive, err = m.Int64UpDownCounter("callengine.calls.active",
		metric.WithDescription("Calls between ringing and their end."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("callengine.reconnect.attempts",
		metric.WithDescription("Reconnection attempts, by path (ice_restart or rebuild)."),
	); err != nil {
		return nil, err
	}
	if met.QualityChanges, err = m.Int64Counter("callengine.quality.changes",
		metric.WithDescription("Quality tier transitions, by new tier."),
	); err != nil {
		return nil, err
	}
	if met.NegotiationLatency, err = m.Float64Histogram("callengine.negotiation.duration",
		metric.WithDescription("Time from the start of negotiation to the first connected state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(negotiationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.RelayEnvelopes, err = m.Int64Counter("callengine.relay.envelopes",
		metric.WithDescription("Envelopes handled by the relay, by status."),
	); err != nil {
		return nil, err
	}
	if met.RelayConnections, err = m.Int64UpDownCounter("callengine.relay.connections",
		metric.WithDescription("Open relay websocket connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// CallStarted implements call.Metrics.
func (m *Metrics) CallStarted(role domain.Role) {
	ctx := context.Background()
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role.String())))
	m.CallsActive.Add(ctx, 1)
}

// CallEnded implements call.Metrics.
func (m *Metrics) CallEnded(outcome string) {
	ctx := context.Background()
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.CallsActive.Add(ctx, -1)
}

// ReconnectAttempt implements call.Metrics.
func (m *Metrics) ReconnectAttempt(full bool) {
	path := "ice_restart"
	if full {
		path = "rebuild"
	}
	m.ReconnectAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("path", path)))
}

// QualityChanged implements call.Metrics.
func (m *Metrics) QualityChanged(tier string) {
	m.QualityChanges.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// NegotiationDuration implements call.Metrics.
func (m *Metrics) NegotiationDuration(d time.Duration) {
	m.NegotiationLatency.Record(context.Background(), d.Seconds())
}

// ConnectionOpened implements relay.Metrics.
func (m *Metrics) ConnectionOpened() {
	m.RelayConnections.Add(context.Background(), 1)
}

// ConnectionClosed implements relay.Metrics.
func (m *Metrics) ConnectionClosed() {
	m.RelayConnections.Add(context.Background(), -1)
}

// Envelope implements relay.Metrics.
func (m *Metrics) Envelope(status string) {
	m.RelayEnvelopes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}
