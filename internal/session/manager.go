// Package session keeps an authenticated private stream alive: it acquires the session token,
// renews it on a fixed cadence, and reconnects with cleanup after every failure.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/domain/venue"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/telemetry"
)

const (
	defaultKeepAliveInterval = 30 * time.Minute
	defaultRetryDelay        = time.Second
	defaultGraceDelay        = 5 * time.Second
	defaultKeepAlivePayload  = "ping"
)

// Conn is one open stream connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens a stream connection authorised by token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Link is the write side handed to frame consumers.
type Link interface {
	KeepAlive(ctx context.Context) error
}

// FrameSink consumes raw frames in arrival order. A returned error tears the session down.
type FrameSink interface {
	HandleFrame(ctx context.Context, frame []byte, link Link) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(ctx context.Context, frame []byte, link Link) error

// HandleFrame calls f.
func (f FrameSinkFunc) HandleFrame(ctx context.Context, frame []byte, link Link) error {
	return f(ctx, frame, link)
}

// Options configures a Manager.
type Options struct {
	Venue             string
	Tokens            venue.TokenSource
	Dialer            Dialer
	Sink              FrameSink
	Channels          []string
	KeepAliveInterval time.Duration
	RetryDelay        time.Duration
	GraceDelay        time.Duration
	KeepAlivePayload  string
	Clock             clock.Clock
	Logger            observability.Logger
	Metrics           *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = defaultKeepAliveInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.GraceDelay <= 0 {
		o.GraceDelay = defaultGraceDelay
	}
	if o.KeepAlivePayload == "" {
		o.KeepAlivePayload = defaultKeepAlivePayload
	}
	if o.Clock == nil {
		o.Clock = clock.System()
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Manager owns the session token and the stream connection built on it.
type Manager struct {
	opts   Options
	tokens *tokenState
	state  atomic.Int32

	mu   sync.Mutex
	conn Conn
}

// NewManager validates opts and builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	switch {
	case opts.Tokens == nil:
		return nil, errs.FatalConfig("session: token source required")
	case opts.Dialer == nil:
		return nil, errs.FatalConfig("session: dialer required")
	case opts.Sink == nil:
		return nil, errs.FatalConfig("session: frame sink required")
	case len(opts.Channels) == 0:
		return nil, errs.FatalConfig("session: at least one channel required")
	}
	return &Manager{opts: opts, tokens: newTokenState()}, nil
}

// State reports the lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Token returns the current token snapshot; the zero Token when none is held.
func (m *Manager) Token() Token { return m.tokens.snapshot() }

// Ready returns a channel closed while a token is held.
func (m *Manager) Ready() <-chan struct{} { return m.tokens.readyCh() }

// IsReady reports whether a token is currently held.
func (m *Manager) IsReady() bool { return m.tokens.isReady() }

// WaitReady blocks until a token is held or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.Ready():
		return nil
	}
}

// Run drives sessions until ctx is canceled and returns ctx.Err(). Cleanup always runs before it
// returns.
func (m *Manager) Run(ctx context.Context) error {
	log := m.opts.Logger
	for {
		err := m.runSession(ctx)
		if ctx.Err() != nil {
			return m.shutdown(ctx)
		}
		if err != nil {
			log.Error("session interrupted", observability.Err(err), observability.F("venue", m.opts.Venue))
			m.opts.Metrics.Reconnect(ctx, reconnectReason(err))
			_ = m.opts.Clock.Sleep(ctx, m.opts.RetryDelay)
		}
		m.cleanup()
		m.setState(StateClosed)
		if ctx.Err() != nil {
			return m.shutdown(ctx)
		}
		if sleepErr := m.opts.Clock.Sleep(ctx, m.opts.GraceDelay); sleepErr != nil {
			return m.shutdown(ctx)
		}
	}
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.cleanup()
	m.setState(StateShutDown)
	m.opts.Logger.Info("session shut down", observability.F("venue", m.opts.Venue))
	return ctx.Err()
}

func (m *Manager) runSession(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}

	sessCtx, abort := context.WithCancelCause(ctx)
	var wg conc.WaitGroup
	defer wg.Wait()
	defer abort(nil)
	wg.Go(func() { m.renewLoop(sessCtx, abort) })

	conn, err := m.connect(sessCtx)
	if err != nil {
		return sessionError(ctx, sessCtx, err)
	}
	return sessionError(ctx, sessCtx, m.readLoop(sessCtx, conn))
}

// sessionError prefers the abort cause recorded on the session context over the read error
// it provoked. Parent cancellation is returned untouched.
func sessionError(parent, sess context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if sess.Err() != nil {
		if cause := context.Cause(sess); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}

func (m *Manager) acquire(ctx context.Context) error {
	m.setState(StateAcquiring)
	value, err := m.opts.Tokens.IssueToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var e *errs.E
		if errors.As(err, &e) {
			return err
		}
		return errs.TransientNetwork(m.opts.Venue, "session token acquisition failed", err)
	}
	if strings.TrimSpace(value) == "" {
		return errs.TransientNetwork(m.opts.Venue, "session token acquisition returned empty token", nil)
	}
	m.tokens.set(value, m.opts.Clock.Now())
	m.setState(StateActive)
	m.opts.Logger.Info("session token acquired", observability.F("venue", m.opts.Venue))
	return nil
}

func (m *Manager) renewLoop(ctx context.Context, abort context.CancelCauseFunc) {
	for {
		attempted, ok := m.renewIfDue(ctx)
		if ctx.Err() != nil {
			return
		}
		if attempted && !ok {
			abort(errs.AuthRenewal(m.opts.Venue, "session token renewal failed, reconnecting"))
			return
		}
		if attempted {
			continue
		}
		if err := m.opts.Clock.Sleep(ctx, m.untilRenewal()); err != nil {
			return
		}
	}
}

func (m *Manager) untilRenewal() time.Duration {
	tok := m.tokens.snapshot()
	wait := tok.LastRenewedAt.Add(m.opts.KeepAliveInterval).Sub(m.opts.Clock.Now())
	if wait <= 0 {
		return time.Millisecond
	}
	return wait
}

// renewIfDue renews once the keep-alive interval has elapsed since the last renewal.
func (m *Manager) renewIfDue(ctx context.Context) (attempted, ok bool) {
	tok := m.tokens.snapshot()
	if tok.Value == "" {
		return false, false
	}
	if m.opts.Clock.Now().Sub(tok.LastRenewedAt) < m.opts.KeepAliveInterval {
		return false, false
	}
	return true, m.renew(ctx)
}

// renew extends the current token. Failures are reported as false and never retried here.
func (m *Manager) renew(ctx context.Context) bool {
	tok := m.tokens.snapshot()
	if tok.Value == "" {
		return false
	}
	m.setState(StateRenewing)
	if err := m.opts.Tokens.ExtendToken(ctx, tok.Value); err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.opts.Metrics.Renewal(ctx, telemetry.ResultError)
		m.opts.Logger.Error("session token renewal failed",
			observability.Err(err),
			observability.F("venue", m.opts.Venue))
		return false
	}
	m.tokens.renewed(m.opts.Clock.Now())
	m.setState(StateActive)
	m.opts.Metrics.Renewal(ctx, telemetry.ResultOK)
	m.opts.Logger.Debug("session token renewed", observability.F("venue", m.opts.Venue))
	return true
}

type subscribeRequest struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	ListenKey string   `json:"listenKey"`
	ID        string   `json:"id"`
}

func (m *Manager) connect(ctx context.Context) (Conn, error) {
	tok := m.tokens.snapshot()
	conn, err := m.opts.Dialer.Dial(ctx, tok.Value)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	payload, err := json.Marshal(subscribeRequest{
		Method:    "subscribe",
		Params:    append([]string(nil), m.opts.Channels...),
		ListenKey: tok.Value,
		ID:        uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, payload); err != nil {
		return nil, err
	}
	m.opts.Logger.Info("subscribed to private channels",
		observability.F("venue", m.opts.Venue),
		observability.F("channels", strings.Join(m.opts.Channels, ",")))

	link := m.link(conn)
	if err := link.KeepAlive(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	link := m.link(conn)
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := m.opts.Sink.HandleFrame(ctx, frame, link); err != nil {
			return err
		}
	}
}

// cleanup closes the socket, clears the token and resets readiness.
func (m *Manager) cleanup() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.opts.Logger.Debug("stream close failed", observability.Err(err))
		}
	}
	m.tokens.clear()
}

func (m *Manager) setState(s State) { m.state.Store(int32(s)) }

func (m *Manager) link(conn Conn) Link {
	return keepAliveLink{conn: conn, payload: []byte(m.opts.KeepAlivePayload)}
}

type keepAliveLink struct {
	conn    Conn
	payload []byte
}

func (l keepAliveLink) KeepAlive(ctx context.Context) error {
	return l.conn.Write(ctx, l.payload)
}

func reconnectReason(err error) string {
	switch {
	case errs.Is(err, errs.CanonicalAuthRenewal):
		return "auth_renewal"
	case errs.Is(err, errs.CanonicalTransientNetwork):
		return "network"
	default:
		return "error"
	}
}
