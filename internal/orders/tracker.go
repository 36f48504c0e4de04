package orders

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/errs"
)

const defaultRetiredCapacity = 1024

// Tracker is the in-memory in-flight order store. Orders are indexed by client order id. Terminal
// orders that are fully reconciled are retired: they stop being polled but stay readable until
// the retired capacity evicts them.
type Tracker struct {
	venue string

	mu         sync.RWMutex
	orders     map[string]*entry
	byExchange map[string]string
	retired    []string
	retiredCap int
	now        func() time.Time
}

type entry struct {
	order            InFlightOrder
	trades           map[string]struct{}
	reportedExecuted decimal.Decimal
	retired          bool
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithRetiredCapacity bounds how many retired orders stay readable.
func WithRetiredCapacity(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.retiredCap = n
		}
	}
}

// WithNow overrides the timestamp source used for bookkeeping.
func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates an empty tracker for venue.
func NewTracker(venue string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		venue:      venue,
		orders:     make(map[string]*entry),
		byExchange: make(map[string]string),
		retiredCap: defaultRetiredCapacity,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Start begins tracking order. The client order id must be unique.
func (t *Tracker) Start(order InFlightOrder) error {
	id := strings.TrimSpace(order.ClientOrderID)
	if id == "" {
		return errs.New(t.venue, errs.CodeInvalid, errs.WithMessage("client order id required"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orders[id]; exists {
		return errs.New(t.venue, errs.CodeInvalid,
			errs.WithMessage("client order id already tracked"),
			errs.WithVenueField("client_order_id", id))
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.now()
	}
	order.UpdatedAt = order.CreatedAt
	order.FeesPaid = cloneFees(order.FeesPaid)
	t.orders[id] = &entry{order: order, trades: make(map[string]struct{})}
	if order.HasExchangeID() {
		t.byExchange[order.ExchangeOrderID] = id
	}
	return nil
}

// Stop drops order from the tracker regardless of its state.
func (t *Tracker) Stop(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.orders[clientOrderID]; ok {
		delete(t.byExchange, e.order.ExchangeOrderID)
		delete(t.orders, clientOrderID)
	}
}

// SetExchangeOrderID records the venue id once the venue accepts the order. The id is immutable
// after it is first set to a known value.
func (t *Tracker) SetExchangeOrderID(clientOrderID, exchangeOrderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.orders[clientOrderID]
	if !ok {
		return errs.OrderNotFound(t.venue, clientOrderID)
	}
	t.assignExchangeID(e, exchangeOrderID)
	return nil
}

// Lookup returns a copy of the tracked order.
func (t *Tracker) Lookup(clientOrderID string) (InFlightOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.orders[clientOrderID]
	if !ok {
		return InFlightOrder{}, false
	}
	return e.snapshot(), true
}

// LookupByExchangeID resolves an order by its venue id.
func (t *Tracker) LookupByExchangeID(exchangeOrderID string) (InFlightOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byExchange[exchangeOrderID]
	if !ok {
		return InFlightOrder{}, false
	}
	return t.orders[id].snapshot(), true
}

// ExecutedBase returns the locally applied fill amount for an order.
func (t *Tracker) ExecutedBase(clientOrderID string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.orders[clientOrderID]
	if !ok {
		return decimal.Zero, false
	}
	return e.order.ExecutedBase, true
}

// Updatable returns the orders that still need reconciliation: open orders and terminal orders
// whose local fills lag the venue-reported fills.
func (t *Tracker) Updatable() []InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]InFlightOrder, 0, len(t.orders))
	for _, e := range t.orders {
		if e.retired {
			continue
		}
		out = append(out, e.snapshot())
	}
	return out
}

// All returns every tracked order including retired ones.
func (t *Tracker) All() []InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]InFlightOrder, 0, len(t.orders))
	for _, e := range t.orders {
		out = append(out, e.snapshot())
	}
	return out
}

// ApplyOrderUpdate applies a state transition. It returns true when the stored order changed.
// States never regress and terminal states absorb later transitions, so reapplying an update is a
// no-op.
func (t *Tracker) ApplyOrderUpdate(update OrderUpdate) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.orders[update.ClientOrderID]
	if !ok {
		return false, errs.OrderNotFound(t.venue, update.ClientOrderID)
	}
	changed := t.assignExchangeID(e, update.ExchangeOrderID)
	if update.ExecutedBase.GreaterThan(e.reportedExecuted) {
		e.reportedExecuted = update.ExecutedBase
	}
	cur := e.order.State
	if !cur.IsTerminal() && update.NewState.rank() > cur.rank() {
		e.order.State = update.NewState
		e.order.UpdatedAt = t.stamp(update.UpdateTimestamp)
		changed = true
	}
	t.maybeRetire(update.ClientOrderID, e)
	return changed, nil
}

// ApplyTradeUpdate records a fill. A trade id that was already applied is ignored. Fills for
// terminal orders are still recorded.
func (t *Tracker) ApplyTradeUpdate(update TradeUpdate) (bool, error) {
	if strings.TrimSpace(update.TradeID) == "" {
		return false, errs.New(t.venue, errs.CodeInvalid, errs.WithMessage("trade id required"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.orders[update.ClientOrderID]
	if !ok {
		return false, errs.OrderNotFound(t.venue, update.ClientOrderID)
	}
	if _, seen := e.trades[update.TradeID]; seen {
		return false, nil
	}
	e.trades[update.TradeID] = struct{}{}
	t.assignExchangeID(e, update.ExchangeOrderID)

	quote := update.FillQuote
	if quote.IsZero() {
		quote = update.FillPrice.Mul(update.FillBase)
	}
	e.order.ExecutedBase = e.order.ExecutedBase.Add(update.FillBase)
	e.order.ExecutedQuote = e.order.ExecutedQuote.Add(quote)
	if e.order.FeesPaid == nil {
		e.order.FeesPaid = make(map[string]decimal.Decimal)
	}
	quoteAsset := e.order.QuoteAsset()
	if !update.Fee.Percent.IsZero() {
		token := update.Fee.PercentToken
		if token == "" {
			token = quoteAsset
		}
		e.order.FeesPaid[token] = e.order.FeesPaid[token].Add(quote.Mul(update.Fee.Percent))
	}
	for _, flat := range update.Fee.FlatFees {
		e.order.FeesPaid[flat.Token] = e.order.FeesPaid[flat.Token].Add(flat.Amount)
	}
	e.order.UpdatedAt = t.stamp(update.FillTimestamp)
	t.maybeRetire(update.ClientOrderID, e)
	return true, nil
}

// Len returns the number of tracked orders including retired ones.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

func (t *Tracker) assignExchangeID(e *entry, exchangeOrderID string) bool {
	id := strings.TrimSpace(exchangeOrderID)
	if id == "" || id == UnknownExchangeID || e.order.HasExchangeID() {
		return false
	}
	e.order.ExchangeOrderID = id
	t.byExchange[id] = e.order.ClientOrderID
	return true
}

func (t *Tracker) maybeRetire(clientOrderID string, e *entry) {
	if e.retired || !e.order.State.IsTerminal() {
		return
	}
	if e.order.ExecutedBase.LessThan(e.reportedExecuted) {
		return
	}
	e.retired = true
	t.retired = append(t.retired, clientOrderID)
	for len(t.retired) > t.retiredCap {
		oldest := t.retired[0]
		t.retired = t.retired[1:]
		if old, ok := t.orders[oldest]; ok && old.retired {
			delete(t.byExchange, old.order.ExchangeOrderID)
			delete(t.orders, oldest)
		}
	}
}

func (t *Tracker) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now()
	}
	return ts
}

func (e *entry) snapshot() InFlightOrder {
	out := e.order
	out.FeesPaid = cloneFees(e.order.FeesPaid)
	return out
}

func cloneFees(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
