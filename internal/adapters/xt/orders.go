package xt

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/orders"
	"github.com/coachpo/ordersync/internal/wire"
)

type placeOrderBody struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
	ClientOrderID string `json:"clientOrderId"`
	BizType       string `json:"bizType"`
	TimeInForce   string `json:"timeInForce"`
}

type placeOrderResult struct {
	OrderID wire.ID `json:"orderId"`
}

type cancelOrderResult struct {
	CancelID wire.ID `json:"cancelId"`
	State    string  `json:"state"`
}

type orderPayload struct {
	Symbol        string      `json:"symbol"`
	OrderID       wire.ID     `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	Price         wire.Number `json:"price"`
	OrigQty       wire.Number `json:"origQty"`
	ExecutedQty   wire.Number `json:"executedQty"`
	AvgPrice      wire.Number `json:"avgPrice"`
	Fee           wire.Number `json:"fee"`
	FeeCurrency   string      `json:"feeCurrency"`
	State         string      `json:"state"`
	Time          wire.Millis `json:"time"`
	UpdatedTime   wire.Millis `json:"updatedTime"`
}

type tradePage struct {
	HasNext bool           `json:"hasNext"`
	Items   []tradePayload `json:"items"`
}

type tradePayload struct {
	Symbol      string      `json:"symbol"`
	TradeID     wire.ID     `json:"tradeId"`
	OrderID     wire.ID     `json:"orderId"`
	OrderSide   string      `json:"orderSide"`
	OrderType   string      `json:"orderType"`
	Price       wire.Number `json:"price"`
	Quantity    wire.Number `json:"quantity"`
	QuoteQty    wire.Number `json:"quoteQty"`
	Fee         wire.Number `json:"fee"`
	FeeCurrency string      `json:"feeCurrency"`
	TakerMaker  string      `json:"takerMaker"`
	Time        wire.Millis `json:"time"`
}

// PlaceOrder submits a new order. When the venue answers 503 "Unknown error" the order may or may not
// exist; the result carries orders.UnknownExchangeID and the self-heal path resolves it.
func (c *Client) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.PlaceOrderResult, error) {
	body := placeOrderBody{
		Symbol:        ToVenueSymbol(req.TradingPair),
		Side:          string(req.Side),
		Type:          string(req.Type),
		Quantity:      req.Amount.String(),
		ClientOrderID: req.ClientOrderID,
		BizType:       c.opts.metadata.bizType,
		TimeInForce:   c.opts.metadata.timeInForce,
	}
	if req.Type.UsesPrice() {
		body.Price = req.Price.String()
	}
	var out placeOrderResult
	err := c.do(ctx, request{
		op:     "order.place",
		method: http.MethodPost,
		path:   c.opts.metadata.orderPath,
		body:   body,
		signed: true,
	}, &out)
	now := c.opts.Clock.Now()
	if err != nil {
		if c.isUnknownPlacement(err) {
			c.opts.Logger.Warn("xt: order placement outcome unknown",
				observability.F("client_order_id", req.ClientOrderID), observability.Err(err))
			return venue.PlaceOrderResult{ExchangeOrderID: orders.UnknownExchangeID, Timestamp: now}, nil
		}
		return venue.PlaceOrderResult{}, err
	}
	return venue.PlaceOrderResult{ExchangeOrderID: out.OrderID.String(), Timestamp: now}, nil
}

func (c *Client) isUnknownPlacement(err error) bool {
	var e *errs.E
	if !asE(err, &e) || e.HTTP != http.StatusServiceUnavailable {
		return false
	}
	return strings.Contains(e.RawMsg, c.opts.metadata.unknownErrorMsg)
}

// CancelOrder requests cancellation. It reports true once the venue accepted the cancel.
func (c *Client) CancelOrder(ctx context.Context, tradingPair, exchangeOrderID string) (bool, error) {
	if strings.TrimSpace(exchangeOrderID) == "" || exchangeOrderID == orders.UnknownExchangeID {
		return false, errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage("cancel requires a venue order id"))
	}
	query := url.Values{}
	query.Set("symbol", ToVenueSymbol(tradingPair))
	query.Set("orderId", exchangeOrderID)
	var out cancelOrderResult
	err := c.do(ctx, request{
		op:     "order.cancel",
		method: http.MethodDelete,
		path:   c.opts.metadata.orderPath + "/" + url.PathEscape(exchangeOrderID),
		query:  query,
		signed: true,
	}, &out)
	if err != nil {
		return false, err
	}
	if out.State != "" {
		state, _ := orders.ParseState(out.State)
		return state == orders.StateCanceled, nil
	}
	return true, nil
}

// QueryOrder fetches the current state of one order by venue id and client id.
func (c *Client) QueryOrder(ctx context.Context, tradingPair, exchangeOrderID, clientOrderID string) (venue.OrderReport, error) {
	query := url.Values{}
	if exchangeOrderID != "" && exchangeOrderID != orders.UnknownExchangeID {
		query.Set("orderId", exchangeOrderID)
	}
	if clientOrderID != "" {
		query.Set("clientOrderId", clientOrderID)
	}
	var out *orderPayload
	err := c.do(ctx, request{
		op:     "order.query",
		method: http.MethodGet,
		path:   c.opts.metadata.orderPath,
		query:  query,
		signed: true,
		retry:  true,
	}, &out)
	if err != nil {
		return venue.OrderReport{}, err
	}
	if out == nil {
		return venue.OrderReport{}, errs.OrderNotFound(c.Name(), clientOrderID)
	}
	report := out.report()
	if report.TradingPair == "" {
		report.TradingPair = tradingPair
	}
	return report, nil
}

// OpenOrders lists the open orders for tradingPair.
func (c *Client) OpenOrders(ctx context.Context, tradingPair string) ([]venue.OrderReport, error) {
	query := url.Values{}
	query.Set("symbol", ToVenueSymbol(tradingPair))
	query.Set("bizType", c.opts.metadata.bizType)
	var out []orderPayload
	err := c.do(ctx, request{
		op:     "order.open",
		method: http.MethodGet,
		path:   c.opts.metadata.openOrdersPath,
		query:  query,
		signed: true,
		retry:  true,
	}, &out)
	if err != nil {
		return nil, err
	}
	reports := make([]venue.OrderReport, 0, len(out))
	for _, o := range out {
		reports = append(reports, o.report())
	}
	return reports, nil
}

// OrderFills lists the executions of one order.
func (c *Client) OrderFills(ctx context.Context, tradingPair, exchangeOrderID string) ([]venue.Fill, error) {
	query := url.Values{}
	query.Set("symbol", ToVenueSymbol(tradingPair))
	query.Set("orderId", exchangeOrderID)
	query.Set("bizType", c.opts.metadata.bizType)
	var out tradePage
	err := c.do(ctx, request{
		op:     "order.trades",
		method: http.MethodGet,
		path:   c.opts.metadata.tradesPath,
		query:  query,
		signed: true,
		retry:  true,
	}, &out)
	if err != nil {
		return nil, err
	}
	fills := make([]venue.Fill, 0, len(out.Items))
	for _, item := range out.Items {
		if item.TradeID == "" {
			continue
		}
		fill := item.fill()
		if fill.TradingPair == "" {
			fill.TradingPair = tradingPair
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

func (o orderPayload) report() venue.OrderReport {
	state, _ := orders.ParseState(o.State)
	ts := o.UpdatedTime.Time()
	if ts.IsZero() {
		ts = o.Time.Time()
	}
	return venue.OrderReport{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.OrderID.String(),
		TradingPair:     FromVenueSymbol(o.Symbol),
		State:           state,
		RawState:        o.State,
		Side:            orders.Side(strings.ToUpper(o.Side)),
		Type:            orders.Type(strings.ToUpper(o.Type)),
		Price:           o.Price.Dec(),
		Amount:          o.OrigQty.Dec(),
		ExecutedBase:    o.ExecutedQty.Dec(),
		AvgPrice:        o.AvgPrice.Dec(),
		Fee:             o.Fee.Dec(),
		FeeAsset:        strings.ToUpper(o.FeeCurrency),
		Timestamp:       ts,
	}
}

func (t tradePayload) fill() venue.Fill {
	fill := venue.Fill{
		TradeID:         t.TradeID.String(),
		ExchangeOrderID: t.OrderID.String(),
		TradingPair:     FromVenueSymbol(t.Symbol),
		Side:            orders.Side(strings.ToUpper(t.OrderSide)),
		OrderType:       orders.Type(strings.ToUpper(t.OrderType)),
		Price:           t.Price.Dec(),
		Base:            t.Quantity.Dec(),
		Quote:           t.QuoteQty.Dec(),
		Fee:             t.Fee.Dec().Abs(),
		FeeAsset:        strings.ToUpper(t.FeeCurrency),
		HasFee:          t.Fee.Set,
		Timestamp:       t.Time.Time(),
	}
	switch strings.ToUpper(t.TakerMaker) {
	case "MAKER":
		maker := true
		fill.IsMaker = &maker
	case "TAKER":
		maker := false
		fill.IsMaker = &maker
	}
	return fill
}
