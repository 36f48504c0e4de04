// Package xt implements the venue REST surface, request signing and private stream dialing.
package xt

import (
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/ordersync/internal/clock"
	"github.com/coachpo/ordersync/internal/observability"
	"github.com/coachpo/ordersync/internal/telemetry"
)

type metadata struct {
	identifier      string
	apiBaseURL      string
	streamURL       string
	tokenPath       string
	orderPath       string
	openOrdersPath  string
	tradesPath      string
	balancesPath    string
	symbolsPath     string
	signatureAlgo   string
	bizType         string
	timeInForce     string
	unknownErrorMsg string
}

var xtMetadata = metadata{
	identifier:      "xt",
	apiBaseURL:      "https://sapi.xt.com",
	streamURL:       "wss://stream.xt.com/private",
	tokenPath:       "/v4/ws-token",
	orderPath:       "/v4/order",
	openOrdersPath:  "/v4/open-order",
	tradesPath:      "/v4/trade",
	balancesPath:    "/v4/balances",
	symbolsPath:     "/v4/public/symbol",
	signatureAlgo:   "HmacSHA256",
	bizType:         "SPOT",
	timeInForce:     "GTC",
	unknownErrorMsg: "Unknown error",
}

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultRecvWindow       = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestsPerSec   = 10
	defaultBurst            = 5
	defaultRetryAttempts    = 3
	defaultRetryInitial     = 200 * time.Millisecond
	defaultRetryMax         = 2 * time.Second
	errorBodyLimit          = 4 << 10
)

// Config captures user-overridable venue settings.
type Config struct {
	Name              string
	BaseURL           string
	StreamURL         string
	APIKey            string
	APISecret         string
	HTTPTimeout       time.Duration
	RecvWindow        time.Duration
	HandshakeTimeout  time.Duration
	RequestsPerSecond float64
	Burst             int
	RetryAttempts     uint
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

// Options configure the venue client.
type Options struct {
	Config     Config
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     observability.Logger
	Metrics    *telemetry.Metrics

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = xtMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if strings.TrimSpace(in.Config.BaseURL) == "" {
		in.Config.BaseURL = in.metadata.apiBaseURL
	}
	if strings.TrimSpace(in.Config.StreamURL) == "" {
		in.Config.StreamURL = in.metadata.streamURL
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.RecvWindow <= 0 {
		in.Config.RecvWindow = defaultRecvWindow
	}
	if in.Config.HandshakeTimeout <= 0 {
		in.Config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if in.Config.RequestsPerSecond <= 0 {
		in.Config.RequestsPerSecond = defaultRequestsPerSec
	}
	if in.Config.Burst <= 0 {
		in.Config.Burst = defaultBurst
	}
	if in.Config.RetryAttempts == 0 {
		in.Config.RetryAttempts = defaultRetryAttempts
	}
	if in.Config.RetryInitial <= 0 {
		in.Config.RetryInitial = defaultRetryInitial
	}
	if in.Config.RetryMax <= 0 {
		in.Config.RetryMax = defaultRetryMax
	}
	if in.HTTPClient == nil {
		in.HTTPClient = &http.Client{Timeout: in.Config.HTTPTimeout}
	}
	if in.Clock == nil {
		in.Clock = clock.System()
	}
	in.Logger = observability.OrDefault(in.Logger)
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.Config.BaseURL), "/")
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}
