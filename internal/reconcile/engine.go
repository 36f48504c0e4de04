// Package reconcile applies stream and poll results to the local order and balance state.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/fees"
	"github.com/coachpo/ordersync/internal/ingest"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/orders"
	"github.com/coachpo/ordersync/internal/telemetry"
	"github.com/coachpo/ordersync/lib/async"
)

const (
	sourceStream = "stream"
	sourcePoll   = "poll"
)

// Store is the in-flight order store updates are emitted to. It enforces state monotonicity and
// trade id idempotence.
type Store interface {
	Lookup(clientOrderID string) (orders.InFlightOrder, bool)
	LookupByExchangeID(exchangeOrderID string) (orders.InFlightOrder, bool)
	ExecutedBase(clientOrderID string) (decimal.Decimal, bool)
	Updatable() []orders.InFlightOrder
	ApplyOrderUpdate(update orders.OrderUpdate) (bool, error)
	ApplyTradeUpdate(update orders.TradeUpdate) (bool, error)
}

// Options configures an Engine.
type Options struct {
	Venue           string
	Store           Store
	Balances        *BalanceBook
	Fees            *fees.Normalizer
	Querier         venue.OrderQuerier
	CancelRace      async.Budget
	PollInterval    time.Duration
	PollConcurrency int
	Clock           clock.Clock
	Logger          observability.Logger
	Metrics         *telemetry.Metrics
}

// Engine consumes ingest events and poll snapshots.
type Engine struct {
	opts   Options
	logger observability.Logger

	life context.Context
	stop context.CancelFunc

	races   conc.WaitGroup
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errs.FatalConfig("reconcile: order store required")
	}
	if err := opts.CancelRace.Validate(); err != nil {
		return nil, errs.FatalConfig("reconcile: " + err.Error())
	}
	if opts.Balances == nil {
		opts.Balances = NewBalanceBook()
	}
	if opts.Fees == nil {
		opts.Fees = fees.NewNormalizer(fees.DefaultSchema())
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.PollConcurrency <= 0 {
		opts.PollConcurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	life, stop := context.WithCancel(context.Background())
	return &Engine{
		opts:    opts,
		logger:  observability.OrDefault(opts.Logger),
		life:    life,
		stop:    stop,
		pending: make(map[string]struct{}),
	}, nil
}

// Balances exposes the balance book.
func (e *Engine) Balances() *BalanceBook { return e.opts.Balances }

// Run applies events in arrival order until ctx ends, then stops the engine.
func (e *Engine) Run(ctx context.Context, events <-chan ingest.Event) error {
	defer e.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			e.opts.Metrics.EventDequeued(ctx)
			e.Handle(ctx, ev)
		}
	}
}

// Wait blocks until every cancel race and fill fetch started so far has finished.
func (e *Engine) Wait() { e.races.Wait() }

// Close cancels pending background work and waits for it. Nothing is started after Close.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stop()
	e.mu.Unlock()
	e.races.Wait()
}

// spawn runs fn in the background at most once per key at a time. fn sees ctx's values but not its
// cancellation; it ends with the engine instead of with the caller.
func (e *Engine) spawn(ctx context.Context, key string, fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.pending[key]; busy || e.life.Err() != nil {
		return
	}
	e.pending[key] = struct{}{}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unhook := context.AfterFunc(e.life, cancel)
	e.races.Go(func() {
		defer func() {
			unhook()
			cancel()
			e.mu.Lock()
			delete(e.pending, key)
			e.mu.Unlock()
		}()
		fn(bg)
	})
}

// Handle dispatches one event.
func (e *Engine) Handle(ctx context.Context, ev ingest.Event) {
	switch ev := ev.(type) {
	case ingest.OrderEvent:
		report := ev.Report
		if report.Timestamp.IsZero() {
			report.Timestamp = ev.ReceivedAt
		}
		e.handleOrder(ctx, report, ev.TradeID, sourceStream)
	case ingest.BalanceEvent:
		e.opts.Balances.Upsert(ev.Balance)
	case ingest.TradeEvent:
		e.handleFill(ctx, ev.Fill, sourceStream)
	}
}

// handleOrder emits an OrderUpdate for a tracked order. A CANCELED report first waits for fills to
// catch up with the reported executed amount, without blocking the caller.
func (e *Engine) handleOrder(ctx context.Context, report venue.OrderReport, tradeID, source string) {
	tracked, ok := e.lookup(report.ClientOrderID, report.ExchangeOrderID)
	if !ok {
		e.logger.Debug("reconcile: discarding report for untracked order",
			observability.F("client_order_id", report.ClientOrderID),
			observability.F("source", source))
		return
	}
	report.ClientOrderID = tracked.ClientOrderID

	if tradeID != "" {
		e.fetchEmbeddedFill(ctx, tracked, report, tradeID)
	}

	update := orders.OrderUpdate{
		ClientOrderID:   tracked.ClientOrderID,
		ExchangeOrderID: report.ExchangeOrderID,
		TradingPair:     tracked.TradingPair,
		NewState:        report.State,
		UpdateTimestamp: report.Timestamp,
		ExecutedBase:    report.ExecutedBase,
	}
	if report.State == orders.StateCanceled && !tracked.State.IsTerminal() {
		e.startCancelRace(ctx, update, source)
		return
	}
	e.emitOrder(ctx, update, source)
}

func (e *Engine) startCancelRace(ctx context.Context, update orders.OrderUpdate, source string) {
	e.spawn(ctx, "cancel:"+update.ClientOrderID, func(ctx context.Context) {
		if err := e.ResolveCancelRace(ctx, update.ClientOrderID, update.ExecutedBase); err != nil {
			return
		}
		e.emitOrder(ctx, update, source)
	})
}

// ResolveCancelRace waits until the locally applied fills reach reported, for at most the configured
// number of cycles. When the budget runs out it logs a degraded-consistency warning and returns nil
// so the cancel is applied anyway. Only context errors are returned.
func (e *Engine) ResolveCancelRace(ctx context.Context, clientOrderID string, reported decimal.Decimal) error {
	caughtUp := func() bool {
		local, ok := e.opts.Store.ExecutedBase(clientOrderID)
		return !ok || local.GreaterThanOrEqual(reported)
	}
	outcome, err := e.opts.CancelRace.Wait(ctx, e.opts.Clock, caughtUp)
	if err != nil {
		return err
	}
	if outcome.Satisfied {
		if outcome.Cycles > 0 {
			e.opts.Metrics.CancelRace(ctx, telemetry.ResultResolved)
		}
		return nil
	}
	local, _ := e.opts.Store.ExecutedBase(clientOrderID)
	e.opts.Metrics.CancelRace(ctx, telemetry.ResultDegraded)
	e.logger.Warn("cancel race budget exhausted",
		observability.F("client_order_id", clientOrderID),
		observability.F("reported_executed", reported.String()),
		observability.F("local_executed", local.String()),
		observability.F("cycles", outcome.Cycles))
	return nil
}

func (e *Engine) emitOrder(ctx context.Context, update orders.OrderUpdate, source string) {
	changed, err := e.opts.Store.ApplyOrderUpdate(update)
	if err != nil {
		e.logger.Debug("reconcile: order update not applied",
			observability.F("client_order_id", update.ClientOrderID), observability.Err(err))
		return
	}
	if changed {
		e.opts.Metrics.OrderUpdate(ctx, update.NewState.String(), source)
	}
}

// fetchEmbeddedFill treats a fill id on an order report as a signal that fills are pending. The
// report only carries the cumulative executed amount, so the order's fills are fetched and applied
// by their own trade ids.
func (e *Engine) fetchEmbeddedFill(ctx context.Context, tracked orders.InFlightOrder, report venue.OrderReport, tradeID string) {
	local, _ := e.opts.Store.ExecutedBase(tracked.ClientOrderID)
	if !report.ExecutedBase.GreaterThan(local) {
		return
	}
	order := tracked
	order.ExchangeOrderID = firstNonEmpty(report.ExchangeOrderID, tracked.ExchangeOrderID)
	if e.opts.Querier == nil || !order.HasExchangeID() {
		e.logger.Debug("reconcile: fill id on order report left to the trade stream",
			observability.F("client_order_id", order.ClientOrderID),
			observability.F("trade_id", tradeID))
		return
	}
	e.spawn(ctx, "fills:"+order.ClientOrderID, func(ctx context.Context) {
		if err := e.pollFills(ctx, order); err != nil && ctx.Err() == nil {
			e.logger.Warn("reconcile: fill fetch failed",
				observability.F("client_order_id", order.ClientOrderID),
				observability.F("trade_id", tradeID),
				observability.Err(err))
		}
	})
}

// handleFill emits a TradeUpdate for a fill carrying a venue trade id.
func (e *Engine) handleFill(ctx context.Context, fill venue.Fill, source string) {
	if strings.TrimSpace(fill.TradeID) == "" {
		return
	}
	tracked, ok := e.lookup(fill.ClientOrderID, fill.ExchangeOrderID)
	if !ok {
		e.logger.Debug("reconcile: discarding fill for untracked order",
			observability.F("trade_id", fill.TradeID),
			observability.F("exchange_order_id", fill.ExchangeOrderID))
		return
	}
	update := e.tradeUpdate(tracked, fill)
	changed, err := e.opts.Store.ApplyTradeUpdate(update)
	if err != nil {
		e.logger.Debug("reconcile: trade update not applied",
			observability.F("trade_id", fill.TradeID), observability.Err(err))
		return
	}
	if changed {
		e.opts.Metrics.TradeUpdate(ctx, source)
	}
}

func (e *Engine) tradeUpdate(order orders.InFlightOrder, fill venue.Fill) orders.TradeUpdate {
	orderType := fill.OrderType
	if orderType == "" {
		orderType = order.Type
	}
	var fee fees.TradeFee
	if fill.HasFee {
		asset := fill.FeeAsset
		if asset == "" {
			asset = order.QuoteAsset()
		}
		fee = e.opts.Fees.FromFlat(string(order.Side), fill.Fee, asset)
	} else {
		fee = e.opts.Fees.FromPercent(string(order.Side), string(orderType), order.QuoteAsset(), fill.IsMaker)
	}

	price, quote := fill.Price, fill.Quote
	if quote.IsZero() {
		quote = price.Mul(fill.Base)
	}
	if price.IsZero() && fill.Base.IsPositive() {
		price = quote.Div(fill.Base)
	}
	ts := fill.Timestamp
	if ts.IsZero() {
		ts = e.opts.Clock.Now()
	}
	return orders.TradeUpdate{
		TradeID:         fill.TradeID,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: firstNonEmpty(fill.ExchangeOrderID, order.ExchangeOrderID),
		TradingPair:     order.TradingPair,
		Fee:             fee,
		FillBase:        fill.Base,
		FillQuote:       quote,
		FillPrice:       price,
		FillTimestamp:   ts,
	}
}

func (e *Engine) lookup(clientOrderID, exchangeOrderID string) (orders.InFlightOrder, bool) {
	if clientOrderID != "" {
		if order, ok := e.opts.Store.Lookup(clientOrderID); ok {
			return order, true
		}
	}
	if exchangeOrderID != "" && exchangeOrderID != orders.UnknownExchangeID {
		return e.opts.Store.LookupByExchangeID(exchangeOrderID)
	}
	return orders.InFlightOrder{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
