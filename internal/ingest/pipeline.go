package ingest

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/session"
	"github.com/coachpo/ordersync/internal/telemetry"
)

const defaultCapacity = 1024

// Options configures a Pipeline.
type Options struct {
	Venue    string
	Capacity int
	Clock    clock.Clock
	Logger   observability.Logger
	Metrics  *telemetry.Metrics
}

// Pipeline decodes frames into events on a bounded queue. A full queue blocks the reader rather
// than dropping events.
type Pipeline struct {
	venue   string
	clock   clock.Clock
	logger  observability.Logger
	metrics *telemetry.Metrics
	queue   chan Event
}

// NewPipeline builds a pipeline with the configured queue capacity.
func NewPipeline(opts Options) *Pipeline {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Pipeline{
		venue:   opts.Venue,
		clock:   opts.Clock,
		logger:  observability.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		queue:   make(chan Event, opts.Capacity),
	}
}

// Events is the consumer side of the queue.
func (p *Pipeline) Events() <-chan Event { return p.queue }

// HandleFrame ingests one frame and then sends a keepalive on link, whatever the frame contained.
func (p *Pipeline) HandleFrame(ctx context.Context, frame []byte, link session.Link) error {
	p.metrics.FrameReceived(ctx)
	if err := p.Ingest(ctx, frame); err != nil {
		return err
	}
	return link.KeepAlive(ctx)
}

// Ingest validates frame and enqueues the resulting event. Frames without a topic and payload are
// dropped silently; frames that fail typed decoding are dropped with a malformed_event log. Only
// context errors are returned.
func (p *Pipeline) Ingest(ctx context.Context, frame []byte) error {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || !env.structured() {
		p.metrics.FrameDropped(ctx, "unstructured")
		p.logger.Debug("ingest: dropping unstructured frame", observability.F("size", len(frame)))
		return nil
	}

	topic := strings.ToLower(strings.TrimSpace(env.Topic))
	var (
		event Event
		err   error
	)
	switch Kind(topic) {
	case KindOrder:
		var ev OrderEvent
		ev, err = decodeOrder(env.Data)
		ev.ReceivedAt = p.clock.Now()
		event = ev
	case KindBalance:
		event, err = decodeBalance(env.Data)
	case KindTrade:
		event, err = decodeTrade(env.Data)
	default:
		p.metrics.FrameDropped(ctx, "unknown_topic")
		p.logger.Debug("ingest: dropping frame for unhandled topic", observability.F("topic", topic))
		return nil
	}
	if err != nil {
		malformed := errs.MalformedEvent(p.venue, topic, err)
		p.metrics.FrameDropped(ctx, "malformed")
		p.logger.Warn("ingest: dropping malformed event",
			observability.F("topic", topic),
			observability.Err(malformed))
		return nil
	}
	return p.enqueue(ctx, event)
}

func (p *Pipeline) enqueue(ctx context.Context, event Event) error {
	select {
	case p.queue <- event:
		p.metrics.EventQueued(ctx, string(event.Kind()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
