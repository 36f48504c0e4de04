// Package telemetry defines the connector's OpenTelemetry instruments and attribute conventions.
package telemetry

import "go.opentelemetry.io/otel/attribute"

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrVenue identifies the venue the connector talks to.
	AttrVenue = attribute.Key("venue")
	// AttrEventKind labels decoded stream events (order, balance, trade).
	AttrEventKind = attribute.Key("event.kind")
	// AttrOrderState captures the canonical order state of an update.
	AttrOrderState = attribute.Key("order.state")
	// AttrSource distinguishes stream-originated from poll-originated updates.
	AttrSource = attribute.Key("source")
	// AttrOperation names a REST operation or session step.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides short free-form context for drops and reconnects.
	AttrReason = attribute.Key("reason")
)

// Result values shared by the instruments.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultResolved = "resolved"
	ResultDegraded = "degraded"
)

func baseAttributes(environment, venue string, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs, AttrEnvironment.String(environment), AttrVenue.String(venue))
	return append(attrs, extra...)
}
