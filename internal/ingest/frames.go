package ingest

import (
	"bytes"
	"errors"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/ordersync/internal/adapters/xt"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/orders"
	"github.com/coachpo/ordersync/internal/wire"
)

var (
	errMissingClientID = errors.New("order frame without client order id")
	errUnknownState    = errors.New("order frame with unknown state")
	errMissingCurrency = errors.New("balance frame without currency")
	errMissingTradeID  = errors.New("trade frame without trade id")
	errMissingOrderRef = errors.New("trade frame without order reference")
)

// envelope is the outer frame shape. Data stays raw until the topic is known.
type envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (e envelope) structured() bool {
	data := bytes.TrimSpace(e.Data)
	return strings.TrimSpace(e.Topic) != "" && len(data) > 0 && !bytes.Equal(data, []byte("null"))
}

// orderFrame accepts both the venue's short keys and the long field names.
type orderFrame struct {
	Symbol           string      `json:"symbol"`
	S                string      `json:"s"`
	BaseCurrency     string      `json:"baseCurrency"`
	BC               string      `json:"bc"`
	QuoteCurrency    string      `json:"quoteCurrency"`
	QC               string      `json:"qc"`
	Time             wire.Millis `json:"time"`
	T                wire.Millis `json:"t"`
	CreateTime       wire.Millis `json:"createTime"`
	CT               wire.Millis `json:"ct"`
	OrderID          wire.ID     `json:"orderId"`
	I                wire.ID     `json:"i"`
	ClientOrderID    string      `json:"clientOrderId"`
	CI               string      `json:"ci"`
	State            string      `json:"state"`
	ST               string      `json:"st"`
	Side             string      `json:"side"`
	SD               string      `json:"sd"`
	Type             string      `json:"type"`
	TP               string      `json:"tp"`
	OriginalQty      wire.Number `json:"originalQty"`
	OQ               wire.Number `json:"oq"`
	OriginalQuoteQty wire.Number `json:"originalQuoteQty"`
	OQQ              wire.Number `json:"oqq"`
	ExecutedQty      wire.Number `json:"executedQty"`
	EQ               wire.Number `json:"eq"`
	RemainingQty     wire.Number `json:"remainingQty"`
	LQ               wire.Number `json:"lq"`
	Price            wire.Number `json:"price"`
	P                wire.Number `json:"p"`
	AvgPrice         wire.Number `json:"avgPrice"`
	AP               wire.Number `json:"ap"`
	Fee              wire.Number `json:"fee"`
	F                wire.Number `json:"f"`
	TradeID          wire.ID     `json:"tradeId"`
}

type balanceFrame struct {
	AccountID    wire.ID     `json:"accountId"`
	A            wire.ID     `json:"a"`
	Time         wire.Millis `json:"time"`
	T            wire.Millis `json:"t"`
	Currency     string      `json:"currency"`
	C            string      `json:"c"`
	TotalBalance wire.Number `json:"totalBalance"`
	B            wire.Number `json:"b"`
	Frozen       wire.Number `json:"frozen"`
	F            wire.Number `json:"f"`
	BizType      string      `json:"bizType"`
	Z            string      `json:"z"`
	Symbol       string      `json:"symbol"`
	S            string      `json:"s"`
}

type tradeFrame struct {
	Symbol        string      `json:"symbol"`
	S             string      `json:"s"`
	OrderID       wire.ID     `json:"orderId"`
	OI            wire.ID     `json:"oi"`
	ClientOrderID string      `json:"clientOrderId"`
	CI            string      `json:"ci"`
	TradeID       wire.ID     `json:"tradeId"`
	I             wire.ID     `json:"i"`
	Price         wire.Number `json:"price"`
	P             wire.Number `json:"p"`
	Quantity      wire.Number `json:"quantity"`
	Q             wire.Number `json:"q"`
	QuoteQty      wire.Number `json:"quoteQty"`
	V             wire.Number `json:"v"`
	Time          wire.Millis `json:"time"`
	T             wire.Millis `json:"t"`
	IsMaker       *bool       `json:"isMaker"`
}

func decodeOrder(data []byte) (OrderEvent, error) {
	var f orderFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return OrderEvent{}, err
	}
	clientID := firstString(f.ClientOrderID, f.CI)
	if clientID == "" {
		return OrderEvent{}, errMissingClientID
	}
	rawState := firstString(f.State, f.ST)
	state, ok := orders.ParseState(rawState)
	if !ok {
		return OrderEvent{}, errUnknownState
	}
	pair := canonicalPair(firstString(f.BaseCurrency, f.BC), firstString(f.QuoteCurrency, f.QC), firstString(f.Symbol, f.S))
	happened := firstMillis(f.Time, f.T)
	if happened == 0 {
		happened = firstMillis(f.CreateTime, f.CT)
	}
	report := venue.OrderReport{
		ClientOrderID:   clientID,
		ExchangeOrderID: firstID(f.OrderID, f.I),
		TradingPair:     pair,
		State:           state,
		RawState:        rawState,
		Side:            orders.Side(strings.ToUpper(firstString(f.Side, f.SD))),
		Type:            orders.Type(strings.ToUpper(firstString(f.Type, f.TP))),
		Price:           firstNumber(f.Price, f.P).Dec(),
		Amount:          firstNumber(f.OriginalQty, f.OQ).Dec(),
		ExecutedBase:    firstNumber(f.ExecutedQty, f.EQ).Dec(),
		AvgPrice:        firstNumber(f.AvgPrice, f.AP).Dec(),
		Fee:             firstNumber(f.Fee, f.F).Dec().Abs(),
		Timestamp:       happened.Time(),
	}
	return OrderEvent{Report: report, TradeID: f.TradeID.String()}, nil
}

func decodeBalance(data []byte) (BalanceEvent, error) {
	var f balanceFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return BalanceEvent{}, err
	}
	asset := strings.ToUpper(firstString(f.Currency, f.C))
	if asset == "" {
		return BalanceEvent{}, errMissingCurrency
	}
	return BalanceEvent{
		Balance: venue.Balance{
			Asset:  asset,
			Total:  firstNumber(f.TotalBalance, f.B).Dec(),
			Frozen: firstNumber(f.Frozen, f.F).Dec(),
		},
		Timestamp: firstMillis(f.Time, f.T).Time(),
	}, nil
}

func decodeTrade(data []byte) (TradeEvent, error) {
	var f tradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return TradeEvent{}, err
	}
	tradeID := firstID(f.TradeID, f.I)
	if tradeID == "" {
		return TradeEvent{}, errMissingTradeID
	}
	fill := venue.Fill{
		TradeID:         tradeID,
		ClientOrderID:   firstString(f.ClientOrderID, f.CI),
		ExchangeOrderID: firstID(f.OrderID, f.OI),
		TradingPair:     xt.FromVenueSymbol(firstString(f.Symbol, f.S)),
		Price:           firstNumber(f.Price, f.P).Dec(),
		Base:            firstNumber(f.Quantity, f.Q).Dec(),
		Quote:           firstNumber(f.QuoteQty, f.V).Dec(),
		IsMaker:         f.IsMaker,
		Timestamp:       firstMillis(f.Time, f.T).Time(),
	}
	if fill.ClientOrderID == "" && fill.ExchangeOrderID == "" {
		return TradeEvent{}, errMissingOrderRef
	}
	return TradeEvent{Fill: fill}, nil
}

func canonicalPair(base, quote, symbol string) string {
	if base != "" && quote != "" {
		return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
	}
	return xt.FromVenueSymbol(symbol)
}

func firstString(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstID(values ...wire.ID) string {
	for _, v := range values {
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(values ...wire.Number) wire.Number {
	for _, v := range values {
		if v.Set {
			return v
		}
	}
	return wire.Number{}
}

func firstMillis(values ...wire.Millis) wire.Millis {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
