// Package errs provides the structured error envelope shared by the ordersync components.
package errs

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a transport-level error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication, signing or token failures.
	CodeAuth Code = "auth"
	// CodeInvalid indicates a malformed request or inbound payload.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a venue-side rejection.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConfig indicates invalid local configuration.
	CodeConfig Code = "config"
)

// CanonicalCode captures the venue-agnostic failure taxonomy.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalTransientNetwork marks retryable I/O failures.
	CanonicalTransientNetwork CanonicalCode = "transient_network"
	// CanonicalAuthRenewal marks an explicitly rejected session token renewal.
	CanonicalAuthRenewal CanonicalCode = "auth_renewal_failure"
	// CanonicalMalformedEvent marks an inbound frame that could not be decoded.
	CanonicalMalformedEvent CanonicalCode = "malformed_event"
	// CanonicalOrderNotFound marks an order that is not tracked locally or remotely.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalFatalConfig marks missing or invalid credentials and endpoints.
	CanonicalFatalConfig CanonicalCode = "fatal_config"
)

// E captures structured error information produced across the connector.
type E struct {
	Venue         string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	Canonical     CanonicalCode
	VenueMetadata map[string]string
	Remediation   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical taxonomy entry.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 8)

	venue := e.Venue
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := string(e.Canonical); cc != "" && e.Canonical != CanonicalUnknown {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue_fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// TransientNetwork wraps an I/O failure that the caller may retry.
func TransientNetwork(venue, message string, cause error) *E {
	return New(venue, CodeNetwork,
		WithMessage(message),
		WithCause(cause),
		WithCanonicalCode(CanonicalTransientNetwork))
}

// AuthRenewal reports a rejected session token renewal.
func AuthRenewal(venue, message string, opts ...Option) *E {
	base := []Option{WithMessage(message), WithCanonicalCode(CanonicalAuthRenewal)}
	return New(venue, CodeAuth, append(base, opts...)...)
}

// MalformedEvent reports an inbound frame that failed typed decoding.
func MalformedEvent(venue, topic string, cause error) *E {
	return New(venue, CodeInvalid,
		WithMessage("malformed "+topic+" event"),
		WithCause(cause),
		WithCanonicalCode(CanonicalMalformedEvent),
		WithVenueField("topic", topic))
}

// OrderNotFound reports an order that is not tracked.
func OrderNotFound(venue, clientOrderID string) *E {
	return New(venue, CodeNotFound,
		WithMessage("order not tracked"),
		WithCanonicalCode(CanonicalOrderNotFound),
		WithVenueField("client_order_id", clientOrderID))
}

// FatalConfig reports configuration that prevents startup.
func FatalConfig(message string) *E {
	return New("", CodeConfig, WithMessage(message), WithCanonicalCode(CanonicalFatalConfig))
}

// Is reports whether err carries the provided canonical code anywhere in its chain.
func Is(err error, code CanonicalCode) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Canonical == code {
			return true
		}
		err = e.cause
	}
	return false
}

// IsTransient reports whether err may be retried.
// Cancellation and deadline expiry of the caller's context are never transient.
func IsTransient(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeRateLimited:
		return true
	case CodeExchange:
		return e.HTTP >= 500
	default:
		return false
	}
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
