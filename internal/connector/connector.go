// Package connector assembles the venue client, streaming session, ingest pipeline and
// reconciliation engine into one running connector.
package connector

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/config"
	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/adapters/xt"
	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/fees"
	"github.com/coachpo/ordersync/internal/ingest"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/orders"
	"github.com/coachpo/ordersync/internal/reconcile"
	"github.com/coachpo/ordersync/internal/session"
	"github.com/coachpo/ordersync/internal/telemetry"
	"github.com/coachpo/ordersync/lib/async"
)

// Options configures a Connector. Only Settings is required.
type Options struct {
	Settings   config.Settings
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     observability.Logger
	Meter      metric.Meter
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	TradingPair string
	Side        orders.Side
	Type        orders.Type
	Amount      decimal.Decimal
	Price       decimal.Decimal
}

// Connector is one venue connection with its local order and balance view.
type Connector struct {
	cfg     config.Settings
	logger  observability.Logger
	clock   clock.Clock
	client  *xt.Client
	tracker *orders.Tracker
	rules   *venue.RuleSet
	ingest  *ingest.Pipeline
	engine  *reconcile.Engine
	session *session.Manager
}

// New validates the settings and wires every stage. Configuration problems are fatal_config errors.
func New(opts Options) (*Connector, error) {
	cfg := opts.Settings
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := cfg.Fees.Schema()
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := observability.OrDefault(opts.Logger)
	metrics := telemetry.NewMetrics(opts.Meter, string(cfg.Environment), cfg.Venue.Name)

	xtOpts := xt.Options{
		Config: xt.Config{
			Name:              cfg.Venue.Name,
			BaseURL:           cfg.Venue.RESTBaseURL,
			StreamURL:         cfg.Venue.PrivateStreamURL,
			APIKey:            cfg.Venue.Credentials.APIKey,
			APISecret:         cfg.Venue.Credentials.APISecret,
			HTTPTimeout:       cfg.Venue.HTTPTimeout,
			RecvWindow:        cfg.Venue.RecvWindow,
			HandshakeTimeout:  cfg.Session.HandshakeTimeout,
			RequestsPerSecond: cfg.Venue.RequestsPerSecond,
			Burst:             cfg.Venue.Burst,
		},
		HTTPClient: opts.HTTPClient,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	}
	client := xt.NewClient(xtOpts)
	tracker := orders.NewTracker(cfg.Venue.Name, orders.WithNow(clk.Now))

	pipeline := ingest.NewPipeline(ingest.Options{
		Venue:    cfg.Venue.Name,
		Capacity: cfg.Reconcile.QueueCapacity,
		Clock:    clk,
		Logger:   logger,
		Metrics:  metrics,
	})
	engine, err := reconcile.NewEngine(reconcile.Options{
		Venue:    cfg.Venue.Name,
		Store:    tracker,
		Balances: reconcile.NewBalanceBook(),
		Fees:     fees.NewNormalizer(schema),
		Querier:  client,
		CancelRace: async.Budget{
			Attempts: cfg.Reconcile.CancelRaceCycles,
			Interval: cfg.Reconcile.CancelRaceInterval,
		},
		PollInterval:    cfg.Reconcile.PollInterval,
		PollConcurrency: cfg.Reconcile.PollConcurrency,
		Clock:           clk,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}
	manager, err := session.NewManager(session.Options{
		Venue:             cfg.Venue.Name,
		Tokens:            client,
		Dialer:            xt.NewStreamDialer(xtOpts),
		Sink:              pipeline,
		Channels:          cfg.Session.Channels,
		KeepAliveInterval: cfg.Session.KeepAliveInterval,
		RetryDelay:        cfg.Session.RetryDelay,
		GraceDelay:        cfg.Session.GraceDelay,
		Clock:             clk,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Connector{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		client:  client,
		tracker: tracker,
		rules:   venue.NewRuleSet(nil),
		ingest:  pipeline,
		engine:  engine,
		session: manager,
	}, nil
}

// Start runs the session loop, the reconciliation consumer and the poller until ctx is canceled.
// It returns after every stage has unwound.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.RefreshTradingRules(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connector: trading rules unavailable", observability.Err(err))
	}

	var wg conc.WaitGroup
	wg.Go(func() { _ = c.session.Run(ctx) })
	wg.Go(func() { _ = c.engine.Run(ctx, c.ingest.Events()) })
	wg.Go(func() { _ = c.engine.RunPoller(ctx) })
	c.logger.Info("connector started",
		observability.F("venue", c.cfg.Venue.Name),
		observability.F("environment", string(c.cfg.Environment)))
	wg.Wait()
	c.logger.Info("connector stopped", observability.F("venue", c.cfg.Venue.Name))
	return ctx.Err()
}

// Ready is closed while the streaming session holds a token.
func (c *Connector) Ready() <-chan struct{} { return c.session.Ready() }

// SessionState reports the streaming session state.
func (c *Connector) SessionState() session.State { return c.session.State() }

// RefreshTradingRules reloads the per-instrument rules.
func (c *Connector) RefreshTradingRules(ctx context.Context) error {
	rules, err := c.client.TradingRules(ctx)
	if err != nil {
		return err
	}
	c.rules.Replace(rules)
	c.logger.Debug("connector: trading rules loaded", observability.F("count", len(rules)))
	return nil
}

// TradingRules returns the cached rules.
func (c *Connector) TradingRules() []venue.TradingRule { return c.rules.All() }

// PlaceOrder quantizes and validates req against the trading rules, starts tracking it and submits it.
// It returns the client order id. An unconfirmed placement stays tracked with an unknown venue id
// until polling resolves it.
func (c *Connector) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	pair := strings.ToUpper(strings.TrimSpace(req.TradingPair))
	price, amount := req.Price, req.Amount
	if !req.Type.UsesPrice() {
		price = decimal.Zero
	}
	if c.rules.Len() > 0 {
		price, amount = c.rules.Quantize(pair, price, amount)
		if err := c.rules.Validate(pair, price, amount); err != nil {
			return "", err
		}
	}
	if !amount.IsPositive() {
		return "", errs.New(c.cfg.Venue.Name, errs.CodeInvalid, errs.WithMessage("order amount must be positive"))
	}

	clientID := orders.NewClientOrderID(c.cfg.Trading.ClientOrderIDPrefix)
	if err := c.tracker.Start(orders.InFlightOrder{
		ClientOrderID: clientID,
		TradingPair:   pair,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Amount:        amount,
		State:         orders.StateNew,
		CreatedAt:     c.clock.Now(),
	}); err != nil {
		return "", err
	}

	result, err := c.client.PlaceOrder(ctx, venue.PlaceOrderRequest{
		ClientOrderID: clientID,
		TradingPair:   pair,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        amount,
		Price:         price,
	})
	if err != nil {
		if _, applyErr := c.tracker.ApplyOrderUpdate(orders.OrderUpdate{
			ClientOrderID:   clientID,
			TradingPair:     pair,
			NewState:        orders.StateRejected,
			UpdateTimestamp: c.clock.Now(),
		}); applyErr != nil {
			c.logger.Debug("connector: could not mark rejected order", observability.Err(applyErr))
		}
		return clientID, err
	}
	if err := c.tracker.SetExchangeOrderID(clientID, result.ExchangeOrderID); err != nil {
		return clientID, err
	}
	return clientID, nil
}

// CancelOrder requests cancellation of a tracked order. The final state arrives through the stream or
// the poller.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	order, ok := c.tracker.Lookup(clientOrderID)
	if !ok {
		return false, errs.OrderNotFound(c.cfg.Venue.Name, clientOrderID)
	}
	if order.State.IsTerminal() {
		return false, nil
	}
	if !order.HasExchangeID() {
		return false, errs.New(c.cfg.Venue.Name, errs.CodeInvalid,
			errs.WithMessage("order not yet acknowledged by the venue"),
			errs.WithVenueField("client_order_id", clientOrderID))
	}
	return c.client.CancelOrder(ctx, order.TradingPair, order.ExchangeOrderID)
}

// Track starts tracking an order placed elsewhere so its updates are reconciled.
func (c *Connector) Track(order orders.InFlightOrder) error { return c.tracker.Start(order) }

// Order returns one tracked order.
func (c *Connector) Order(clientOrderID string) (orders.InFlightOrder, bool) {
	return c.tracker.Lookup(clientOrderID)
}

// Orders returns every tracked order.
func (c *Connector) Orders() []orders.InFlightOrder { return c.tracker.All() }

// Balances returns the current balance view.
func (c *Connector) Balances() map[string]venue.Balance { return c.engine.Balances().Snapshot() }
