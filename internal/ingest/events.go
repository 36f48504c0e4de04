// Package ingest validates private stream frames and hands typed events to reconciliation.
package ingest

import (
	"time"

	"github.com/coachpo/ordersync/internal/domain/venue"
)

// Kind names the stream channel an event came from.
type Kind string

const (
	KindOrder   Kind = "order"
	KindBalance Kind = "balance"
	KindTrade   Kind = "trade"
)

// Event is one of OrderEvent, BalanceEvent or TradeEvent.
type Event interface {
	Kind() Kind
	sealed()
}

// OrderEvent is an order state report. TradeID is set when the frame carries an embedded fill id.
type OrderEvent struct {
	Report     venue.OrderReport
	TradeID    string
	ReceivedAt time.Time
}

// BalanceEvent is one asset balance change.
type BalanceEvent struct {
	Balance   venue.Balance
	Timestamp time.Time
}

// TradeEvent is one own execution.
type TradeEvent struct {
	Fill venue.Fill
}

func (OrderEvent) Kind() Kind   { return KindOrder }
func (BalanceEvent) Kind() Kind { return KindBalance }
func (TradeEvent) Kind() Kind   { return KindTrade }

func (OrderEvent) sealed()   {}
func (BalanceEvent) sealed() {}
func (TradeEvent) sealed()   {}
