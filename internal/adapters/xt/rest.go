package xt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/telemetry"
)

// Client is the signed REST client for the venue.
type Client struct {
	opts    Options
	signer  *Signer
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// envelope is the common response wrapper: rc is zero on success, mc carries the venue code.
type envelope struct {
	RC     int             `json:"rc"`
	MC     string          `json:"mc"`
	MA     []any           `json:"ma"`
	Result json.RawMessage `json:"result"`
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	signed bool
	retry  bool
}

// NewClient constructs a REST client. Credentials are required for every private call.
func NewClient(opts Options) *Client {
	opts = withDefaults(opts)
	return &Client{
		opts:    opts,
		signer:  NewSigner(opts.Config.APIKey, opts.Config.APISecret, opts.Config.RecvWindow, opts.Clock.Now),
		limiter: rate.NewLimiter(rate.Limit(opts.Config.RequestsPerSecond), opts.Config.Burst),
		tracer:  otel.Tracer("ordersync/adapters/xt"),
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return c.opts.Config.Name }

// do executes req and decodes envelope.result into out. Idempotent reads retry transient failures
// with exponential backoff; cancellation is never retried.
func (c *Client) do(ctx context.Context, req request, out any) error {
	if !req.retry {
		return c.once(ctx, req, out)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.Config.RetryInitial
	policy.MaxInterval = c.opts.Config.RetryMax
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.once(ctx, req, out)
		if err == nil {
			return struct{}{}, nil
		}
		if errs.IsTransient(err) {
			c.opts.Logger.Debug("xt: retrying request",
				observability.F("operation", req.op), observability.Err(err))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.opts.Config.RetryAttempts))
	return err
}

func (c *Client) once(ctx context.Context, req request, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "xt."+req.op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.method),
			attribute.String("url.path", req.path),
		))
	started := time.Now()
	defer func() {
		result := telemetry.ResultOK
		if err != nil {
			result = telemetry.ResultError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.opts.Metrics.RESTLatency(ctx, req.op, result, time.Since(started))
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var bodyText string
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		bodyText = string(raw)
	}

	endpoint := c.opts.restEndpoint(req.path)
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	var reader io.Reader
	if bodyText != "" {
		reader = bytes.NewBufferString(bodyText)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, reader)
	if err != nil {
		return errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if bodyText != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.signed {
		c.signer.Sign(httpReq.Header, req.method, req.path, req.query, bodyText)
	}

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		if errs.IsCancellation(err) && ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.TransientNetwork(c.Name(), req.op+" request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return c.classifyHTTPError(req.op, resp.StatusCode, raw)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errs.TransientNetwork(c.Name(), "decode "+req.op+" response", err)
	}
	if env.RC != 0 {
		return c.classifyVenueError(req.op, resp.StatusCode, env.MC, fmt.Sprint(env.MA))
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errs.New(c.Name(), errs.CodeExchange,
			errs.WithMessage("decode "+req.op+" result"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) classifyHTTPError(op string, status int, raw []byte) error {
	text := strings.TrimSpace(string(raw))
	var env envelope
	if len(raw) > 0 && json.Unmarshal(raw, &env) == nil && env.MC != "" {
		return c.classifyVenueError(op, status, env.MC, text)
	}
	code := errs.CodeExchange
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		code = errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	}
	return errs.New(c.Name(), code,
		errs.WithHTTP(status),
		errs.WithMessage(op+" unexpected status"),
		errs.WithRawMessage(text))
}

// classifyVenueError maps a venue rejection onto the error taxonomy. Stale timestamps are reported
// as auth failures with a clock remediation hint.
func (c *Client) classifyVenueError(op string, status int, venueCode, message string) error {
	upper := strings.ToUpper(venueCode + " " + message)
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawCode(venueCode),
		errs.WithRawMessage(message),
		errs.WithMessage(op + " rejected"),
		errs.WithVenueField("operation", op),
	}
	switch {
	case strings.Contains(upper, "TIMESTAMP") || strings.Contains(upper, "RECVWINDOW") || strings.Contains(upper, "TIME_"):
		opts = append(opts, errs.WithRemediation("synchronise the local clock with the venue"))
		return errs.New(c.Name(), errs.CodeAuth, opts...)
	case strings.HasPrefix(upper, "AUTH_"):
		return errs.New(c.Name(), errs.CodeAuth, opts...)
	case strings.Contains(upper, "ORDER_NOT_EXIST") || strings.Contains(upper, "ORDER_NOT_FOUND"):
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
		return errs.New(c.Name(), errs.CodeNotFound, opts...)
	case strings.Contains(upper, "RATE_LIMIT") || strings.Contains(upper, "TOO_MANY"):
		return errs.New(c.Name(), errs.CodeRateLimited, opts...)
	}
	return errs.New(c.Name(), errs.CodeExchange, opts...)
}

func asE(err error, target **errs.E) bool {
	return errors.As(err, target)
}
