package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/fees"
	"github.com/coachpo/ordersync/internal/ingest"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/orders"
	"github.com/coachpo/ordersync/lib/async"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *Engine
	tracker *orders.Tracker
	clock   *clock.Fake
	hook    *test.Hook
	logger  observability.Logger
	querier *fakeQuerier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clk := clock.NewFake(epoch)
	f := &fixture{
		tracker: orders.NewTracker("xt", orders.WithNow(clk.Now)),
		clock:   clk,
		hook:    hook,
		logger:  observability.WrapLogrus(logger),
		querier: &fakeQuerier{},
	}
	f.engine = f.newEngine(t, clk)
	return f
}

func (f *fixture) newEngine(t *testing.T, clk clock.Clock) *Engine {
	t.Helper()
	engine, err := NewEngine(Options{
		Venue:      "xt",
		Store:      f.tracker,
		Fees:       fees.NewNormalizer(fees.DefaultSchema()),
		Querier:    f.querier,
		CancelRace: async.Budget{Attempts: 2, Interval: 10 * time.Second},
		Clock:      clk,
		Logger:     f.logger,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

// slowClock is a fake clock whose sleeps also take real time, so callers observe cancellation
// that happens while a sleep is in progress.
type slowClock struct {
	*clock.Fake
	delay time.Duration
}

func (c slowClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Fake.Sleep(ctx, d)
}

func (f *fixture) track(t *testing.T, clientID, exchangeID string, orderType orders.Type) {
	t.Helper()
	require.NoError(t, f.tracker.Start(orders.InFlightOrder{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     "BTC-USDT",
		Side:            orders.SideBuy,
		Type:            orderType,
		Price:           dec("100"),
		Amount:          dec("10"),
		State:           orders.StateNew,
	}))
}

func (f *fixture) fill(t *testing.T, clientID, tradeID, base string) {
	t.Helper()
	f.engine.Handle(context.Background(), ingest.TradeEvent{Fill: venue.Fill{
		TradeID:       tradeID,
		ClientOrderID: clientID,
		Price:         dec("100"),
		Base:          dec(base),
		Timestamp:     f.clock.Now(),
	}})
}

func (f *fixture) executed(t *testing.T, clientID string) string {
	t.Helper()
	local, ok := f.tracker.ExecutedBase(clientID)
	require.True(t, ok)
	return local.String()
}

func (f *fixture) warnings(message string) int {
	n := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == message {
			n++
		}
	}
	return n
}

func TestUntrackedOrderEventIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(context.Background(), ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "foreign",
		State:         orders.StateFilled,
	}})
	require.Equal(t, 0, f.tracker.Len())
}

func TestCancelRaceBudgetIsBounded(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	f.fill(t, "c1", "t1", "3")

	err := f.engine.ResolveCancelRace(context.Background(), "c1", dec("5"))
	require.NoError(t, err)
	require.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, f.clock.Sleeps())
	require.Equal(t, 1, f.warnings("cancel race budget exhausted"))

	entry := f.hook.LastEntry()
	require.Equal(t, "c1", entry.Data["client_order_id"])
	require.Equal(t, "5", entry.Data["reported_executed"])
	require.Equal(t, "3", entry.Data["local_executed"])
}

func TestCancelRaceReturnsAfterCatchUp(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	f.fill(t, "c1", "t1", "3")
	f.clock.OnSleep(func(n int) {
		if n == 1 {
			f.fill(t, "c1", "t2", "2")
		}
	})

	require.NoError(t, f.engine.ResolveCancelRace(context.Background(), "c1", dec("5")))
	require.Len(t, f.clock.Sleeps(), 1)
	require.Zero(t, f.warnings("cancel race budget exhausted"))
}

func TestCancelRaceDoesNotWaitWhenCaughtUp(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	f.fill(t, "c1", "t1", "5")

	require.NoError(t, f.engine.ResolveCancelRace(context.Background(), "c1", dec("5")))
	require.Empty(t, f.clock.Sleeps())
}

func TestCancelRaceHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.engine.ResolveCancelRace(ctx, "c1", dec("1")), context.Canceled)
}

func TestCanceledEventWaitsForInterleavedFill(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	ctx := context.Background()

	f.engine.Handle(ctx, ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "c1", ExchangeOrderID: "42", State: orders.StatePartiallyFilled,
		ExecutedBase: dec("2"), Timestamp: epoch,
	}})
	f.fill(t, "c1", "t1", "2")

	var once sync.Once
	f.clock.OnSleep(func(int) {
		once.Do(func() { f.fill(t, "c1", "t2", "2") })
	})
	f.engine.Handle(ctx, ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "c1", ExchangeOrderID: "42", State: orders.StateCanceled,
		ExecutedBase: dec("4"), Timestamp: epoch.Add(time.Second),
	}})
	f.engine.Wait()

	order, ok := f.tracker.Lookup("c1")
	require.True(t, ok)
	require.Equal(t, orders.StateCanceled, order.State)
	require.Equal(t, "4", order.ExecutedBase.String())
	require.Len(t, f.clock.Sleeps(), 1)
	require.Zero(t, f.warnings("cancel race budget exhausted"))
}

func TestCanceledEventAppliedAfterBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)

	f.engine.Handle(context.Background(), ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "c1", State: orders.StateCanceled, ExecutedBase: dec("1"),
	}})
	f.engine.Wait()

	order, _ := f.tracker.Lookup("c1")
	require.Equal(t, orders.StateCanceled, order.State)
	require.Len(t, f.clock.Sleeps(), 2)
	require.Equal(t, 1, f.warnings("cancel race budget exhausted"))
}

func TestOrderEventWithoutFillIDEmitsNoTrade(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)

	f.engine.Handle(context.Background(), ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "c1", State: orders.StatePartiallyFilled, ExecutedBase: dec("2"), AvgPrice: dec("100"),
	}})
	f.engine.Handle(context.Background(), ingest.TradeEvent{Fill: venue.Fill{ClientOrderID: "c1", Base: dec("1")}})

	order, _ := f.tracker.Lookup("c1")
	require.Equal(t, orders.StatePartiallyFilled, order.State)
	require.True(t, order.ExecutedBase.IsZero())
}

func TestEmbeddedFillIDFetchesFillsByTheirOwnIDs(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimitMaker)
	f.querier.fills = map[string][]venue.Fill{
		"42": {
			{TradeID: "t0", ExchangeOrderID: "42", Price: dec("100"), Base: dec("1")},
			{TradeID: "t1", ExchangeOrderID: "42", Price: dec("100"), Base: dec("1")},
		},
	}
	ctx := context.Background()
	report := venue.OrderReport{
		ClientOrderID: "c1", ExchangeOrderID: "42", State: orders.StatePartiallyFilled,
		ExecutedBase: dec("2"), AvgPrice: dec("100"),
	}

	// the order frame for t1 lands before the trade frame for t0
	f.engine.Handle(ctx, ingest.OrderEvent{Report: report, TradeID: "t1"})
	f.engine.Wait()
	f.fill(t, "c1", "t0", "1")
	f.fill(t, "c1", "t1", "1")
	f.engine.Handle(ctx, ingest.OrderEvent{Report: report, TradeID: "t1"})
	f.engine.Wait()

	order, _ := f.tracker.Lookup("c1")
	require.Equal(t, "2", order.ExecutedBase.String())
	require.Equal(t, "200", order.ExecutedQuote.String())
	require.Equal(t, "0.4", order.FeesPaid["USDT"].String())
	require.Equal(t, []string{"42"}, f.querier.filled)
}

func TestEmbeddedFillIDWithoutQuerierBooksNothing(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	f.engine.opts.Querier = nil

	f.engine.Handle(context.Background(), ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "c1", State: orders.StatePartiallyFilled, ExecutedBase: dec("2"), AvgPrice: dec("100"),
	}, TradeID: "t1"})
	f.engine.Wait()

	order, _ := f.tracker.Lookup("c1")
	require.Equal(t, orders.StatePartiallyFilled, order.State)
	require.True(t, order.ExecutedBase.IsZero())
}

func TestCloseStopsPendingCancelRace(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	engine := f.newEngine(t, slowClock{Fake: f.clock, delay: time.Hour})

	canceled := ingest.OrderEvent{Report: venue.OrderReport{
		ClientOrderID: "c1", State: orders.StateCanceled, ExecutedBase: dec("1"),
	}}
	engine.Handle(context.Background(), canceled)

	done := make(chan struct{})
	go func() {
		engine.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not stop the pending race")
	}

	engine.Handle(context.Background(), canceled)
	engine.Wait()
	order, _ := f.tracker.Lookup("c1")
	require.Equal(t, orders.StateNew, order.State)
	require.Zero(t, f.warnings("cancel race budget exhausted"))
}

func TestStreamTradeUsesTakerRateUnlessMaker(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeMarket)
	f.engine.Handle(context.Background(), ingest.TradeEvent{Fill: venue.Fill{
		TradeID: "t1", ExchangeOrderID: "42", Price: dec("100"), Base: dec("1"),
	}})
	order, _ := f.tracker.Lookup("c1")
	require.Equal(t, "1", order.ExecutedBase.String())
	require.Equal(t, "0.2", order.FeesPaid["USDT"].String())
}

func TestBalanceEventUpserts(t *testing.T) {
	f := newFixture(t)
	f.engine.Handle(context.Background(), ingest.BalanceEvent{Balance: venue.Balance{
		Asset: "USDT", Total: dec("100"), Frozen: dec("40"),
	}})
	require.Equal(t, "60", f.engine.Balances().Free("USDT").String())
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.track(t, "c1", "42", orders.TypeLimit)
	events := make(chan ingest.Event, 2)
	events <- ingest.OrderEvent{Report: venue.OrderReport{ClientOrderID: "c1", State: orders.StateFilled, ExecutedBase: dec("0")}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, events) }()

	require.Eventually(t, func() bool {
		order, _ := f.tracker.Lookup("c1")
		return order.State == orders.StateFilled
	}, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(Options{})
	require.True(t, errs.Is(err, errs.CanonicalFatalConfig))

	_, err = NewEngine(Options{Store: orders.NewTracker("xt"), CancelRace: async.Budget{Attempts: -1}})
	require.True(t, errs.Is(err, errs.CanonicalFatalConfig))
}
