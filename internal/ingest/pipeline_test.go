package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/orders"
)

type countingLink struct {
	mu    sync.Mutex
	count int
}

func (l *countingLink) KeepAlive(context.Context) error {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
	return nil
}

func (l *countingLink) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func newTestPipeline(capacity int) (*Pipeline, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewPipeline(Options{
		Venue:    "xt",
		Capacity: capacity,
		Clock:    clock.NewFake(time.Unix(1_700_000_000, 0)),
		Logger:   observability.WrapLogrus(logger),
	}), hook
}

func TestMalformedShapesAreDroppedButStillKeptAlive(t *testing.T) {
	p, hook := newTestPipeline(4)
	link := &countingLink{}
	frames := []string{`{}`, `{"topic":"order"}`, `{"data":{"ci":"a"}}`, `{"topic":"order","data":null}`, `pong`, `[1,2]`}
	for _, frame := range frames {
		require.NoError(t, p.HandleFrame(context.Background(), []byte(frame), link))
	}
	require.Equal(t, len(frames), link.calls())
	require.Empty(t, p.Events())
	for _, entry := range hook.AllEntries() {
		require.Equal(t, logrus.DebugLevel, entry.Level)
	}
}

func TestOrderFrameWithShortKeys(t *testing.T) {
	p, _ := newTestPipeline(4)
	frame := `{"topic":"order","event":"order","data":{"s":"btc_usdt","bc":"btc","qc":"usdt","t":1656043204763,
		"ct":1656043204663,"i":"6216559590087220004","ci":"test123","st":"PARTIALLY_FILLED","sd":"BUY","tp":"LIMIT",
		"oq":"4","oqq":48000,"eq":"2","lq":"2","p":"4000","ap":"30000","f":"0.002"}}`
	link := &countingLink{}
	require.NoError(t, p.HandleFrame(context.Background(), []byte(frame), link))
	require.Equal(t, 1, link.calls())

	ev := (<-p.Events()).(OrderEvent)
	r := ev.Report
	require.Equal(t, "test123", r.ClientOrderID)
	require.Equal(t, "6216559590087220004", r.ExchangeOrderID)
	require.Equal(t, "BTC-USDT", r.TradingPair)
	require.Equal(t, orders.StatePartiallyFilled, r.State)
	require.Equal(t, orders.SideBuy, r.Side)
	require.Equal(t, orders.TypeLimit, r.Type)
	require.True(t, r.ExecutedBase.Equal(decimal.NewFromInt(2)))
	require.True(t, r.AvgPrice.Equal(decimal.NewFromInt(30000)))
	require.Equal(t, time.UnixMilli(1656043204763).UTC(), r.Timestamp)
	require.Empty(t, ev.TradeID)
	require.False(t, ev.ReceivedAt.IsZero())
}

func TestOrderFrameWithLongKeysAndEmbeddedTrade(t *testing.T) {
	p, _ := newTestPipeline(4)
	frame := `{"topic":"order","data":{"symbol":"eth_usdt","createTime":1700000000000,"orderId":7,"clientOrderId":"c1",
		"state":"CANCELED","side":"SELL","type":"MARKET","originalQty":"1","executedQty":"0.5","avgPrice":"2000",
		"tradeId":"t-9"}}`
	require.NoError(t, p.Ingest(context.Background(), []byte(frame)))
	ev := (<-p.Events()).(OrderEvent)
	require.Equal(t, "ETH-USDT", ev.Report.TradingPair)
	require.Equal(t, "7", ev.Report.ExchangeOrderID)
	require.Equal(t, orders.StateCanceled, ev.Report.State)
	require.Equal(t, "t-9", ev.TradeID)
	require.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), ev.Report.Timestamp)
}

func TestTypedDecodeFailuresAreMalformed(t *testing.T) {
	p, hook := newTestPipeline(4)
	frames := []string{
		`{"topic":"order","data":{"st":"NEW"}}`,
		`{"topic":"order","data":{"ci":"a","st":"SOMETHING"}}`,
		`{"topic":"order","data":{"ci":"a","st":"NEW","eq":"abc"}}`,
		`{"topic":"balance","data":{"b":"10"}}`,
		`{"topic":"trade","data":{"oi":"1","q":"1"}}`,
	}
	for _, frame := range frames {
		require.NoError(t, p.Ingest(context.Background(), []byte(frame)))
	}
	require.Empty(t, p.Events())
	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
			require.Contains(t, entry.Data["error"], "malformed_event")
		}
	}
	require.Equal(t, len(frames), warnings)
}

func TestBalanceAndTradeFrames(t *testing.T) {
	p, _ := newTestPipeline(4)
	require.NoError(t, p.Ingest(context.Background(),
		[]byte(`{"topic":"balance","data":{"a":"123","t":1656043204763,"c":"btc","b":"100","f":"40","z":"SPOT","s":"btc_usdt"}}`)))
	require.NoError(t, p.Ingest(context.Background(),
		[]byte(`{"topic":"trade","data":{"s":"btc_usdt","t":1656043204763,"i":"6316559590087251233","oi":"6216559590087220004","p":"30000","q":"3","v":"90000"}}`)))

	bal := (<-p.Events()).(BalanceEvent)
	require.Equal(t, "BTC", bal.Balance.Asset)
	require.True(t, bal.Balance.Free().Equal(decimal.NewFromInt(60)))

	trade := (<-p.Events()).(TradeEvent)
	require.Equal(t, "6316559590087251233", trade.Fill.TradeID)
	require.Equal(t, "6216559590087220004", trade.Fill.ExchangeOrderID)
	require.Equal(t, "BTC-USDT", trade.Fill.TradingPair)
	require.True(t, trade.Fill.Quote.Equal(decimal.NewFromInt(90000)))
	require.Nil(t, trade.Fill.IsMaker)
}

func TestUnknownTopicIsDropped(t *testing.T) {
	p, _ := newTestPipeline(1)
	require.NoError(t, p.Ingest(context.Background(), []byte(`{"topic":"depth","data":{"x":1}}`)))
	require.Empty(t, p.Events())
}

func TestFullQueueBlocksUntilCancelled(t *testing.T) {
	p, _ := newTestPipeline(1)
	frame := []byte(`{"topic":"balance","data":{"c":"usdt","b":"1","f":"0"}}`)
	require.NoError(t, p.Ingest(context.Background(), frame))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Ingest(ctx, frame)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, p.Events(), 1)
}
