package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the connector instruments. A nil *Metrics records nothing.
type Metrics struct {
	environment string
	venue       string

	framesReceived metric.Int64Counter
	framesDropped  metric.Int64Counter
	eventsQueued   metric.Int64Counter
	queueDepth     metric.Int64UpDownCounter
	orderUpdates   metric.Int64Counter
	tradeUpdates   metric.Int64Counter
	cancelRace     metric.Int64Counter
	reconnects     metric.Int64Counter
	renewals       metric.Int64Counter
	pollCycles     metric.Int64Counter
	restLatency    metric.Float64Histogram
}

// NewMetrics registers the instruments on meter, or on the global meter provider when meter is nil.
func NewMetrics(meter metric.Meter, environment, venue string) *Metrics {
	if meter == nil {
		meter = otel.Meter("ordersync")
	}
	m := &Metrics{environment: environment, venue: venue}

	m.framesReceived, _ = meter.Int64Counter("ordersync_stream_frames_received",
		metric.WithDescription("Frames read from the private stream"),
		metric.WithUnit("{frame}"))
	m.framesDropped, _ = meter.Int64Counter("ordersync_stream_frames_dropped",
		metric.WithDescription("Frames dropped by ingest validation"),
		metric.WithUnit("{frame}"))
	m.eventsQueued, _ = meter.Int64Counter("ordersync_ingest_events_enqueued",
		metric.WithDescription("Typed events handed to reconciliation"),
		metric.WithUnit("{event}"))
	m.queueDepth, _ = meter.Int64UpDownCounter("ordersync_ingest_queue_depth",
		metric.WithDescription("Events waiting for reconciliation"),
		metric.WithUnit("{event}"))
	m.orderUpdates, _ = meter.Int64Counter("ordersync_order_updates",
		metric.WithDescription("Order updates emitted to the order store"),
		metric.WithUnit("{update}"))
	m.tradeUpdates, _ = meter.Int64Counter("ordersync_trade_updates",
		metric.WithDescription("Trade updates emitted to the order store"),
		metric.WithUnit("{update}"))
	m.cancelRace, _ = meter.Int64Counter("ordersync_cancel_race_outcomes",
		metric.WithDescription("Cancel race waits by outcome"),
		metric.WithUnit("{wait}"))
	m.reconnects, _ = meter.Int64Counter("ordersync_session_reconnects",
		metric.WithDescription("Streaming session teardowns followed by a reconnect"),
		metric.WithUnit("{reconnect}"))
	m.renewals, _ = meter.Int64Counter("ordersync_session_token_renewals",
		metric.WithDescription("Session token renewal attempts by result"),
		metric.WithUnit("{renewal}"))
	m.pollCycles, _ = meter.Int64Counter("ordersync_poll_cycles",
		metric.WithDescription("Self-heal polling cycles by result"),
		metric.WithUnit("{cycle}"))
	m.restLatency, _ = meter.Float64Histogram("ordersync_rest_request_duration",
		metric.WithDescription("REST request latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *Metrics) FrameReceived(ctx context.Context) {
	if m == nil || m.framesReceived == nil {
		return
	}
	m.framesReceived.Add(ensureContext(ctx), 1, metric.WithAttributes(baseAttributes(m.environment, m.venue)...))
}

func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	if m == nil || m.framesDropped == nil {
		return
	}
	m.framesDropped.Add(ensureContext(ctx), 1,
		metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrReason.String(reason))...))
}

// EventQueued counts an enqueued event and raises the queue depth.
func (m *Metrics) EventQueued(ctx context.Context, kind string) {
	if m == nil || m.eventsQueued == nil {
		return
	}
	ctx = ensureContext(ctx)
	m.eventsQueued.Add(ctx, 1, metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrEventKind.String(kind))...))
	m.queueDepth.Add(ctx, 1, metric.WithAttributes(baseAttributes(m.environment, m.venue)...))
}

// EventDequeued lowers the queue depth.
func (m *Metrics) EventDequeued(ctx context.Context) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ensureContext(ctx), -1, metric.WithAttributes(baseAttributes(m.environment, m.venue)...))
}

func (m *Metrics) OrderUpdate(ctx context.Context, state, source string) {
	if m == nil || m.orderUpdates == nil {
		return
	}
	m.orderUpdates.Add(ensureContext(ctx), 1, metric.WithAttributes(baseAttributes(m.environment, m.venue,
		AttrOrderState.String(state), AttrSource.String(source))...))
}

func (m *Metrics) TradeUpdate(ctx context.Context, source string) {
	if m == nil || m.tradeUpdates == nil {
		return
	}
	m.tradeUpdates.Add(ensureContext(ctx), 1,
		metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrSource.String(source))...))
}

func (m *Metrics) CancelRace(ctx context.Context, result string) {
	if m == nil || m.cancelRace == nil {
		return
	}
	m.cancelRace.Add(ensureContext(ctx), 1,
		metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrResult.String(result))...))
}

func (m *Metrics) Reconnect(ctx context.Context, reason string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ensureContext(ctx), 1,
		metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrReason.String(reason))...))
}

func (m *Metrics) Renewal(ctx context.Context, result string) {
	if m == nil || m.renewals == nil {
		return
	}
	m.renewals.Add(ensureContext(ctx), 1,
		metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrResult.String(result))...))
}

func (m *Metrics) PollCycle(ctx context.Context, result string) {
	if m == nil || m.pollCycles == nil {
		return
	}
	m.pollCycles.Add(ensureContext(ctx), 1,
		metric.WithAttributes(baseAttributes(m.environment, m.venue, AttrResult.String(result))...))
}

func (m *Metrics) RESTLatency(ctx context.Context, operation, result string, elapsed time.Duration) {
	if m == nil || m.restLatency == nil {
		return
	}
	if elapsed < 0 {
		elapsed = 0
	}
	m.restLatency.Record(ensureContext(ctx), float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(baseAttributes(m.environment, m.venue,
			AttrOperation.String(operation), AttrResult.String(result))...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
