package xt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/session"
)

const (
	streamReadLimit    = 1 << 20
	streamWriteTimeout = 5 * time.Second
)

// StreamDialer opens the private stream for a session token.
type StreamDialer struct {
	opts Options
}

// NewStreamDialer builds a dialer over the configured stream URL.
func NewStreamDialer(opts Options) *StreamDialer {
	return &StreamDialer{opts: withDefaults(opts)}
}

// Target returns the connection URL for token.
func (d *StreamDialer) Target(token string) (string, error) {
	base := strings.TrimSuffix(strings.TrimSpace(d.opts.Config.StreamURL), "/")
	parsed, err := url.Parse(base)
	if err != nil {
		return "", errs.FatalConfig(fmt.Sprintf("invalid stream url %q: %v", base, err))
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", errs.FatalConfig(fmt.Sprintf("stream url %q must use ws or wss", base))
	}
	return base + "/" + url.PathEscape(token), nil
}

// Dial connects and returns the open stream.
func (d *StreamDialer) Dial(ctx context.Context, token string) (session.Conn, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.New(d.opts.Config.Name, errs.CodeAuth, errs.WithMessage("stream dial requires a session token"))
	}
	target, err := d.Target(token)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.Config.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: d.opts.HTTPClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.TransientNetwork(d.opts.Config.Name, "stream dial failed", err)
	}
	conn.SetReadLimit(streamReadLimit)
	d.opts.Logger.Debug("stream connected", observability.F("venue", d.opts.Config.Name))
	return &streamConn{conn: conn, venue: d.opts.Config.Name}, nil
}

type streamConn struct {
	conn  *websocket.Conn
	venue string
}

func (c *streamConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return nil, errs.New(c.venue, errs.CodeNetwork,
			errs.WithCanonicalCode(errs.CanonicalTransientNetwork),
			errs.WithMessage("stream closed by venue"),
			errs.WithRawCode(fmt.Sprintf("%d", int(status))),
			errs.WithCause(err))
	}
	return nil, errs.TransientNetwork(c.venue, "stream read failed", err)
}

func (c *streamConn) Write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.TransientNetwork(c.venue, "stream write failed", err)
	}
	return nil
}

func (c *streamConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err == nil || errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}
