// Package orders holds the in-flight order model, its lifecycle updates and the indexed tracker
// that applies them.
package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/internal/fees"
)

// State is the canonical order lifecycle state.
type State int

const (
	StateNew State = iota
	StatePartiallyFilled
	StateFilled
	StateCanceled
	StateRejected
	StateExpired
)

var stateNames = map[State]string{
	StateNew:             "NEW",
	StatePartiallyFilled: "PARTIALLY_FILLED",
	StateFilled:          "FILLED",
	StateCanceled:        "CANCELED",
	StateRejected:        "REJECTED",
	StateExpired:         "EXPIRED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether no further transitions are accepted.
func (s State) IsTerminal() bool {
	return s >= StateFilled
}

// rank collapses the terminal states into one level so that none of them outranks another.
func (s State) rank() int {
	switch {
	case s == StateNew:
		return 0
	case s == StatePartiallyFilled:
		return 1
	default:
		return 2
	}
}

// ParseState maps a venue state string onto State. PENDING_CANCEL is still open on the venue side.
func ParseState(raw string) (State, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return StateNew, true
	case "PARTIALLY_FILLED":
		return StatePartiallyFilled, true
	case "FILLED":
		return StateFilled, true
	case "CANCELED", "CANCELLED", "PARTIALLY_CANCELED":
		return StateCanceled, true
	case "REJECTED":
		return StateRejected, true
	case "EXPIRED":
		return StateExpired, true
	default:
		return StateNew, false
	}
}

// Side is BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the venue order type.
type Type string

const (
	TypeLimit      Type = "LIMIT"
	TypeMarket     Type = "MARKET"
	TypeLimitMaker Type = "LIMIT_MAKER"
)

// UsesPrice reports whether the order type carries a limit price.
func (t Type) UsesPrice() bool {
	return t == TypeLimit || t == TypeLimitMaker
}

// UnknownExchangeID marks an order whose placement outcome could not be confirmed.
const UnknownExchangeID = "UNKNOWN"

// InFlightOrder is the local record of a submitted order.
type InFlightOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            Side
	Type            Type
	Price           decimal.Decimal
	Amount          decimal.Decimal
	ExecutedBase    decimal.Decimal
	ExecutedQuote   decimal.Decimal
	FeesPaid        map[string]decimal.Decimal
	State           State
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BaseAsset returns the base asset of a BASE-QUOTE trading pair.
func (o InFlightOrder) BaseAsset() string {
	base, _, _ := strings.Cut(o.TradingPair, "-")
	return base
}

// QuoteAsset returns the quote asset of a BASE-QUOTE trading pair.
func (o InFlightOrder) QuoteAsset() string {
	_, quote, _ := strings.Cut(o.TradingPair, "-")
	return quote
}

// HasExchangeID reports whether the venue has acknowledged the order with a usable id.
func (o InFlightOrder) HasExchangeID() bool {
	return o.ExchangeOrderID != "" && o.ExchangeOrderID != UnknownExchangeID
}

// OrderUpdate is a state transition reported by the stream or by polling.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	NewState        State
	UpdateTimestamp time.Time
	// ExecutedBase is the venue-reported cumulative fill, zero when unknown.
	ExecutedBase decimal.Decimal
}

// TradeUpdate is one venue fill identified by a venue-assigned trade id.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Fee             fees.TradeFee
	FillBase        decimal.Decimal
	FillQuote       decimal.Decimal
	FillPrice       decimal.Decimal
	FillTimestamp   time.Time
}
