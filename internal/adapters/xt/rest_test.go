package xt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/orders"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		Config: Config{
			BaseURL:           srv.URL,
			APIKey:            "key",
			APISecret:         "secret",
			RequestsPerSecond: 1000,
			Burst:             100,
			RetryInitial:      time.Millisecond,
			RetryMax:          2 * time.Millisecond,
		},
		Clock: clock.NewFake(time.UnixMilli(1_700_000_000_000)),
	})
}

func writeResult(t *testing.T, w http.ResponseWriter, result string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_, err := io.WriteString(w, `{"rc":0,"mc":"SUCCESS","ma":[],"result":`+result+`}`)
	require.NoError(t, err)
}

func TestIssueTokenSignsAndReturnsAccessToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v4/ws-token", r.URL.Path)
		require.Equal(t, "key", r.Header.Get(headerAppKey))
		require.Equal(t, "1700000000000", r.Header.Get(headerTimestamp))
		require.NotEmpty(t, r.Header.Get(headerSignature))
		writeResult(t, w, `{"accessToken":"T1","refreshToken":"R1"}`)
	})

	token, err := client.IssueToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "T1", token)
}

func TestIssueTokenRejectsEmptyToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(t, w, `{"accessToken":""}`)
	})
	_, err := client.IssueToken(context.Background())
	require.Error(t, err)
}

func TestExtendTokenRejectionIsAuthRenewalFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "T1", r.URL.Query().Get("listenKey"))
		_, _ = io.WriteString(w, `{"rc":1,"mc":"AUTH_105","ma":["listen key expired"],"result":null}`)
	})

	err := client.ExtendToken(context.Background(), "T1")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CanonicalAuthRenewal))
	require.False(t, errs.IsTransient(err))
}

func TestExtendTokenServerFailureStaysTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := client.ExtendToken(context.Background(), "T1")
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
	require.False(t, errs.Is(err, errs.CanonicalAuthRenewal))
}

func TestPlaceOrderSendsLimitPriceAndReturnsOrderID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/order", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "btc_usdt", body["symbol"])
		require.Equal(t, "BUY", body["side"])
		require.Equal(t, "LIMIT", body["type"])
		require.Equal(t, "0.5", body["quantity"])
		require.Equal(t, "30000", body["price"])
		require.Equal(t, "os1", body["clientOrderId"])
		require.Equal(t, "SPOT", body["bizType"])
		require.Equal(t, "GTC", body["timeInForce"])
		writeResult(t, w, `{"orderId":"6216559590087220004"}`)
	})

	res, err := client.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
		ClientOrderID: "os1",
		TradingPair:   "BTC-USDT",
		Side:          orders.SideBuy,
		Type:          orders.TypeLimit,
		Amount:        decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("30000"),
	})
	require.NoError(t, err)
	require.Equal(t, "6216559590087220004", res.ExchangeOrderID)
}

func TestPlaceMarketOrderOmitsPrice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasPrice := body["price"]
		require.False(t, hasPrice)
		writeResult(t, w, `{"orderId":1}`)
	})
	res, err := client.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
		ClientOrderID: "os2",
		TradingPair:   "BTC-USDT",
		Side:          orders.SideSell,
		Type:          orders.TypeMarket,
		Amount:        decimal.RequireFromString("1"),
	})
	require.NoError(t, err)
	require.Equal(t, "1", res.ExchangeOrderID)
}

func TestPlaceOrderUnknownOutcome(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "Unknown error")
	})
	res, err := client.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
		ClientOrderID: "os3",
		TradingPair:   "BTC-USDT",
		Side:          orders.SideBuy,
		Type:          orders.TypeMarket,
		Amount:        decimal.RequireFromString("1"),
	})
	require.NoError(t, err)
	require.Equal(t, orders.UnknownExchangeID, res.ExchangeOrderID)
	require.Equal(t, int32(1), calls.Load())
}

func TestCancelOrderRequiresExchangeID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := client.CancelOrder(context.Background(), "BTC-USDT", orders.UnknownExchangeID)
	require.Error(t, err)
}

func TestCancelOrderDeletesByOrderID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v4/order/42", r.URL.Path)
		require.Equal(t, "btc_usdt", r.URL.Query().Get("symbol"))
		writeResult(t, w, `{"cancelId":"7"}`)
	})
	ok, err := client.CancelOrder(context.Background(), "BTC-USDT", "42")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestQueryOrderNullResultIsOrderNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "os1", r.URL.Query().Get("clientOrderId"))
		writeResult(t, w, `null`)
	})
	_, err := client.QueryOrder(context.Background(), "BTC-USDT", "", "os1")
	require.True(t, errs.Is(err, errs.CanonicalOrderNotFound))
}

func TestQueryOrderParsesReportPreferringUpdatedTime(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "42", r.URL.Query().Get("orderId"))
		writeResult(t, w, `{"symbol":"btc_usdt","orderId":"42","clientOrderId":"os1","side":"BUY","type":"LIMIT",
			"price":"30000","origQty":"4","executedQty":"2","avgPrice":"30000","fee":"0.1","feeCurrency":"usdt",
			"state":"PARTIALLY_FILLED","time":1700000000000,"updatedTime":"1700000005000"}`)
	})
	report, err := client.QueryOrder(context.Background(), "BTC-USDT", "42", "os1")
	require.NoError(t, err)
	require.Equal(t, "BTC-USDT", report.TradingPair)
	require.Equal(t, orders.StatePartiallyFilled, report.State)
	require.True(t, report.ExecutedBase.Equal(decimal.NewFromInt(2)))
	require.Equal(t, "USDT", report.FeeAsset)
	require.Equal(t, time.UnixMilli(1_700_000_005_000).UTC(), report.Timestamp)
}

func TestQueryOrderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeResult(t, w, `{"orderId":"42","clientOrderId":"os1","state":"FILLED","executedQty":"1"}`)
	})
	report, err := client.QueryOrder(context.Background(), "BTC-USDT", "42", "os1")
	require.NoError(t, err)
	require.Equal(t, orders.StateFilled, report.State)
	require.Equal(t, "BTC-USDT", report.TradingPair)
	require.Equal(t, int32(2), calls.Load())
}

func TestStaleTimestampCarriesRemediation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"rc":1,"mc":"AUTH_104","ma":["request timestamp expired"],"result":null}`)
	})
	_, err := client.Balances(context.Background())
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeAuth, e.Code)
	require.NotEmpty(t, e.Remediation)
}

func TestOpenOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/open-order", r.URL.Path)
		require.Equal(t, "btc_usdt", r.URL.Query().Get("symbol"))
		require.Equal(t, "SPOT", r.URL.Query().Get("bizType"))
		writeResult(t, w, `[{"symbol":"btc_usdt","orderId":"1","clientOrderId":"a","state":"NEW"},
			{"symbol":"btc_usdt","orderId":"2","clientOrderId":"b","state":"PARTIALLY_FILLED","executedQty":"0.3"}]`)
	})
	reports, err := client.OpenOrders(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "b", reports[1].ClientOrderID)
	require.Equal(t, orders.StatePartiallyFilled, reports[1].State)
}

func TestOrderFillsSkipsItemsWithoutTradeID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/trade", r.URL.Path)
		require.Equal(t, "42", r.URL.Query().Get("orderId"))
		writeResult(t, w, `{"hasNext":false,"items":[
			{"symbol":"btc_usdt","tradeId":"t1","orderId":"42","orderSide":"BUY","orderType":"LIMIT","price":"30000",
			 "quantity":"2","quoteQty":"60000","fee":"0.004","feeCurrency":"btc","takerMaker":"MAKER","time":1700000001000},
			{"symbol":"btc_usdt","tradeId":"","orderId":"42","quantity":"1"}]}`)
	})
	fills, err := client.OrderFills(context.Background(), "BTC-USDT", "42")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	fill := fills[0]
	require.Equal(t, "t1", fill.TradeID)
	require.True(t, fill.HasFee)
	require.Equal(t, "BTC", fill.FeeAsset)
	require.NotNil(t, fill.IsMaker)
	require.True(t, *fill.IsMaker)
	require.True(t, fill.Quote.Equal(decimal.NewFromInt(60000)))
}

func TestBalancesDerivesMissingTotal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v4/balances", r.URL.Path)
		writeResult(t, w, `{"assets":[
			{"currency":"usdt","availableAmount":"90","frozenAmount":"10","totalAmount":"100"},
			{"currency":"btc","availableAmount":"1.5","frozenAmount":"0.5"},
			{"currency":"","availableAmount":"1"}]}`)
	})
	balances, err := client.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, "USDT", balances[0].Asset)
	require.True(t, balances[0].Free().Equal(decimal.NewFromInt(90)))
	require.Equal(t, "BTC", balances[1].Asset)
	require.True(t, balances[1].Total.Equal(decimal.NewFromInt(2)))
}

func TestTradingRulesFiltersOfflineSymbols(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get(headerSignature))
		writeResult(t, w, `{"symbols":[
			{"symbol":"btc_usdt","state":"ONLINE","tradingEnabled":true,"baseCurrency":"btc","quoteCurrency":"usdt",
			 "pricePrecision":2,"quantityPrecision":4,
			 "filters":[{"filter":"QUANTITY","min":"0.0001"},{"filter":"QUOTE_QTY","min":"5"}]},
			{"symbol":"eth_usdt","state":"DELISTED","tradingEnabled":false,"baseCurrency":"eth","quoteCurrency":"usdt"}]}`)
	})
	rules, err := client.TradingRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	rule := rules[0]
	require.Equal(t, "BTC-USDT", rule.TradingPair)
	require.True(t, rule.MinOrderSize.Equal(decimal.RequireFromString("0.0001")))
	require.True(t, rule.MinNotional.Equal(decimal.NewFromInt(5)))
	require.True(t, rule.MinPriceIncrement.Equal(decimal.RequireFromString("0.01")))
	require.True(t, rule.MinBaseIncrement.Equal(decimal.RequireFromString("0.0001")))
}
