// Package venue defines the venue-neutral contracts exchanged between the venue adapter, the
// ingest pipeline and the reconciliation engine.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/internal/orders"
)

// OrderReport is the venue's view of one order, from the stream or from a status query.
type OrderReport struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	State           orders.State
	RawState        string
	Side            orders.Side
	Type            orders.Type
	Price           decimal.Decimal
	Amount          decimal.Decimal
	ExecutedBase    decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	Timestamp       time.Time
}

// Fill is one venue execution carrying a venue-assigned trade id.
type Fill struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            orders.Side
	OrderType       orders.Type
	Price           decimal.Decimal
	Base            decimal.Decimal
	Quote           decimal.Decimal
	// Fee is the explicit amount charged for this fill, valid when HasFee is set.
	Fee      decimal.Decimal
	FeeAsset string
	HasFee   bool
	// IsMaker is the venue-reported liquidity flag when available.
	IsMaker   *bool
	Timestamp time.Time
}

// Balance is one asset entry of an account snapshot.
type Balance struct {
	Asset  string
	Total  decimal.Decimal
	Frozen decimal.Decimal
}

// Free returns total minus frozen.
func (b Balance) Free() decimal.Decimal {
	return b.Total.Sub(b.Frozen)
}

// PlaceOrderRequest describes a new order.
type PlaceOrderRequest struct {
	ClientOrderID string
	TradingPair   string
	Side          orders.Side
	Type          orders.Type
	Amount        decimal.Decimal
	Price         decimal.Decimal
}

// PlaceOrderResult is the venue acknowledgement of a new order.
type PlaceOrderResult struct {
	ExchangeOrderID string
	Timestamp       time.Time
}

// TokenSource issues and extends streaming session tokens.
type TokenSource interface {
	IssueToken(ctx context.Context) (string, error)
	ExtendToken(ctx context.Context, token string) error
}

// OrderQuerier exposes the read-only REST calls used by the self-heal path.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, tradingPair, exchangeOrderID, clientOrderID string) (OrderReport, error)
	OpenOrders(ctx context.Context, tradingPair string) ([]OrderReport, error)
	OrderFills(ctx context.Context, tradingPair, exchangeOrderID string) ([]Fill, error)
	Balances(ctx context.Context) ([]Balance, error)
}

// Trader exposes order entry.
type Trader interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	CancelOrder(ctx context.Context, tradingPair, exchangeOrderID string) (bool, error)
	TradingRules(ctx context.Context) ([]TradingRule, error)
}

// Client is the complete REST surface of a venue.
type Client interface {
	TokenSource
	OrderQuerier
	Trader
}
