package reconcile

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/orders"
	"github.com/coachpo/ordersync/internal/telemetry"
)

// RunPoller runs Poll on the configured interval until ctx ends. A failed cycle does not stop the
// next one.
func (e *Engine) RunPoller(ctx context.Context) error {
	if e.opts.Querier == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if err := e.opts.Clock.Sleep(ctx, e.opts.PollInterval); err != nil {
			return err
		}
		if err := e.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Debug("reconcile: poll cycle incomplete", observability.Err(err))
		}
	}
}

// Poll runs one self-heal cycle: open orders per tracked pair, a status and fill query for every
// tracked order the venue no longer lists as open or whose fills lag, and a full balance snapshot.
// Reapplying anything already reflected locally is a no-op.
func (e *Engine) Poll(ctx context.Context) error {
	if e.opts.Querier == nil {
		return nil
	}
	tracked := e.opts.Store.Updatable()

	var (
		mu       sync.Mutex
		failures []error
	)
	fail := func(err error) {
		if err == nil || errs.Is(err, errs.CanonicalOrderNotFound) {
			return
		}
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	open, openFailed := e.pollOpenOrders(ctx, tracked, fail)

	p := pool.New().WithMaxGoroutines(e.opts.PollConcurrency).WithContext(ctx)
	for _, order := range tracked {
		order := order
		reported, listed := open[order.ClientOrderID]
		needsStatus := !listed && !openFailed[order.TradingPair]
		needsFills := order.HasExchangeID() && (needsStatus || (listed && reported.GreaterThan(order.ExecutedBase)))
		if !needsStatus && !needsFills {
			continue
		}
		p.Go(func(ctx context.Context) error {
			if needsFills {
				fail(e.pollFills(ctx, order))
			}
			if needsStatus {
				fail(e.pollStatus(ctx, order))
			}
			return nil
		})
	}
	p.Go(func(ctx context.Context) error {
		balances, err := e.opts.Querier.Balances(ctx)
		if err != nil {
			fail(err)
			return nil
		}
		if removed := e.opts.Balances.ApplySnapshot(balances); len(removed) > 0 {
			e.logger.Debug("reconcile: removed assets absent from snapshot", observability.F("assets", removed))
		}
		return nil
	})
	_ = p.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	err := observability.AggregateErrors(e.logger, "reconcile.poll", failures)
	result := telemetry.ResultOK
	if err != nil {
		result = telemetry.ResultError
	}
	e.opts.Metrics.PollCycle(ctx, result)
	return err
}

// pollOpenOrders fetches the open orders of every tracked pair and re-applies them. The returned
// failed set names pairs whose listing could not be fetched.
func (e *Engine) pollOpenOrders(ctx context.Context, tracked []orders.InFlightOrder, fail func(error)) (map[string]decimal.Decimal, map[string]bool) {
	pairs := make(map[string]struct{})
	for _, order := range tracked {
		pairs[order.TradingPair] = struct{}{}
	}
	sorted := make([]string, 0, len(pairs))
	for pair := range pairs {
		sorted = append(sorted, pair)
	}
	sort.Strings(sorted)

	open := make(map[string]decimal.Decimal)
	failed := make(map[string]bool)
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(e.opts.PollConcurrency).WithContext(ctx)
	for _, pair := range sorted {
		pair := pair
		p.Go(func(ctx context.Context) error {
			reports, err := e.opts.Querier.OpenOrders(ctx, pair)
			if err != nil {
				fail(err)
				mu.Lock()
				failed[pair] = true
				mu.Unlock()
				return nil
			}
			for _, report := range reports {
				order, ok := e.lookup(report.ClientOrderID, report.ExchangeOrderID)
				if !ok {
					continue
				}
				mu.Lock()
				open[order.ClientOrderID] = report.ExecutedBase
				mu.Unlock()
				e.handleOrder(ctx, report, "", sourcePoll)
			}
			return nil
		})
	}
	_ = p.Wait()
	return open, failed
}

func (e *Engine) pollStatus(ctx context.Context, order orders.InFlightOrder) error {
	report, err := e.opts.Querier.QueryOrder(ctx, order.TradingPair, order.ExchangeOrderID, order.ClientOrderID)
	if err != nil {
		if errs.Is(err, errs.CanonicalOrderNotFound) {
			e.logger.Debug("reconcile: venue does not know order",
				observability.F("client_order_id", order.ClientOrderID))
		}
		return err
	}
	if report.ClientOrderID == "" {
		report.ClientOrderID = order.ClientOrderID
	}
	e.handleOrder(ctx, report, "", sourcePoll)
	return nil
}

func (e *Engine) pollFills(ctx context.Context, order orders.InFlightOrder) error {
	fills, err := e.opts.Querier.OrderFills(ctx, order.TradingPair, order.ExchangeOrderID)
	if err != nil {
		return err
	}
	for _, fill := range fills {
		if fill.ClientOrderID == "" {
			fill.ClientOrderID = order.ClientOrderID
		}
		e.handleFill(ctx, fill, sourcePoll)
	}
	return nil
}
