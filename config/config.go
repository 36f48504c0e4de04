// Package config centralises runtime configuration for the ordersync connector.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/fees"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for signed requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// VenueSettings configures the venue transports.
type VenueSettings struct {
	Name              string        `yaml:"name"`
	RESTBaseURL       string        `yaml:"restBaseUrl"`
	PrivateStreamURL  string        `yaml:"privateStreamUrl"`
	Credentials       Credentials   `yaml:"credentials"`
	RecvWindow        time.Duration `yaml:"recvWindow"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
}

// SessionSettings configures the streaming session lifecycle.
type SessionSettings struct {
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	GraceDelay        time.Duration `yaml:"graceDelay"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	Channels          []string      `yaml:"channels"`
}

// ReconcileSettings configures the reconciliation engine and polling.
type ReconcileSettings struct {
	CancelRaceCycles   int           `yaml:"cancelRaceCycles"`
	CancelRaceInterval time.Duration `yaml:"cancelRaceInterval"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	PollConcurrency    int           `yaml:"pollConcurrency"`
	QueueCapacity      int           `yaml:"queueCapacity"`
}

// FeeSettings carries the default fee schema as decimal strings.
type FeeSettings struct {
	MakerPercent        string `yaml:"makerPercent"`
	TakerPercent        string `yaml:"takerPercent"`
	DeductedFromReturns bool   `yaml:"deductedFromReturns"`
}

// TradingSettings scopes the instruments the connector manages.
type TradingSettings struct {
	Symbols             []string `yaml:"symbols"`
	ClientOrderIDPrefix string   `yaml:"clientOrderIdPrefix"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Settings is the full configuration tree loaded from defaults, file and environment.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Venue       VenueSettings     `yaml:"venue"`
	Session     SessionSettings   `yaml:"session"`
	Reconcile   ReconcileSettings `yaml:"reconcile"`
	Fees        FeeSettings       `yaml:"fees"`
	Trading     TradingSettings   `yaml:"trading"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingSettings   `yaml:"logging"`
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Venue: VenueSettings{
			Name:              "xt",
			RESTBaseURL:       "https://sapi.xt.com",
			PrivateStreamURL:  "wss://stream.xt.com/private",
			RecvWindow:        60 * time.Second,
			HTTPTimeout:       10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Session: SessionSettings{
			KeepAliveInterval: 30 * time.Minute,
			RetryDelay:        time.Second,
			GraceDelay:        5 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			Channels:          []string{"balance", "order", "trade"},
		},
		Reconcile: ReconcileSettings{
			CancelRaceCycles:   2,
			CancelRaceInterval: 10 * time.Second,
			PollInterval:       10 * time.Second,
			PollConcurrency:    4,
			QueueCapacity:      1024,
		},
		Fees: FeeSettings{
			MakerPercent:        "0.002",
			TakerPercent:        "0.002",
			DeductedFromReturns: true,
		},
		Trading: TradingSettings{
			ClientOrderIDPrefix: "os",
		},
		Telemetry: TelemetryConfig{ServiceName: "ordersync"},
		Logging:   LoggingSettings{Level: "info"},
	}
}

// FromEnv loads defaults and applies environment overrides.
func FromEnv() Settings {
	cfg := Default()
	ApplyEnv(&cfg)
	return cfg
}

// ApplyEnv overrides cfg with ORDERSYNC_* environment variables.
func ApplyEnv(cfg *Settings) {
	if v := env("ORDERSYNC_ENV"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := env("ORDERSYNC_REST_URL"); v != "" {
		cfg.Venue.RESTBaseURL = v
	}
	if v := env("ORDERSYNC_STREAM_URL"); v != "" {
		cfg.Venue.PrivateStreamURL = v
	}
	if v := env("ORDERSYNC_API_KEY"); v != "" {
		cfg.Venue.Credentials.APIKey = v
	}
	if v := env("ORDERSYNC_API_SECRET"); v != "" {
		cfg.Venue.Credentials.APISecret = v
	}
	envDuration("ORDERSYNC_HTTP_TIMEOUT", &cfg.Venue.HTTPTimeout)
	envDuration("ORDERSYNC_KEEPALIVE_INTERVAL", &cfg.Session.KeepAliveInterval)
	envDuration("ORDERSYNC_POLL_INTERVAL", &cfg.Reconcile.PollInterval)
	envDuration("ORDERSYNC_CANCEL_RACE_INTERVAL", &cfg.Reconcile.CancelRaceInterval)
	if v := env("ORDERSYNC_CANCEL_RACE_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.CancelRaceCycles = n
		}
	}
	if v := env("ORDERSYNC_SYMBOLS"); v != "" {
		cfg.Trading.Symbols = splitList(v)
	}
	if v := env("ORDERSYNC_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("ORDERSYNC_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithCredentials overrides the API credentials.
func WithCredentials(key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(s *Settings) {
		if key != "" {
			s.Venue.Credentials.APIKey = key
		}
		if secret != "" {
			s.Venue.Credentials.APISecret = secret
		}
	}
}

// WithEndpoints overrides the REST and private stream endpoints.
func WithEndpoints(restURL, streamURL string) Option {
	restURL = strings.TrimSpace(restURL)
	streamURL = strings.TrimSpace(streamURL)
	return func(s *Settings) {
		if restURL != "" {
			s.Venue.RESTBaseURL = restURL
		}
		if streamURL != "" {
			s.Venue.PrivateStreamURL = streamURL
		}
	}
}

// WithSymbols sets the traded symbols.
func WithSymbols(symbols ...string) Option {
	return func(s *Settings) {
		s.Trading.Symbols = append([]string(nil), symbols...)
	}
}

// WithCancelRace overrides the cancel race wait budget.
func WithCancelRace(cycles int, interval time.Duration) Option {
	return func(s *Settings) {
		s.Reconcile.CancelRaceCycles = cycles
		if interval > 0 {
			s.Reconcile.CancelRaceInterval = interval
		}
	}
}

// Validate reports configuration that prevents startup as a fatal config error.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Venue.Credentials.APIKey) == "" || strings.TrimSpace(s.Venue.Credentials.APISecret) == "" {
		return errs.FatalConfig("api key and secret are required")
	}
	if strings.TrimSpace(s.Venue.RESTBaseURL) == "" {
		return errs.FatalConfig("rest base url is required")
	}
	if strings.TrimSpace(s.Venue.PrivateStreamURL) == "" {
		return errs.FatalConfig("private stream url is required")
	}
	if s.Session.KeepAliveInterval <= 0 {
		return errs.FatalConfig("session keepalive interval must be positive")
	}
	if s.Reconcile.CancelRaceCycles < 0 {
		return errs.FatalConfig("cancel race cycles must not be negative")
	}
	if s.Reconcile.PollInterval <= 0 {
		return errs.FatalConfig("poll interval must be positive")
	}
	if _, err := s.Fees.Schema(); err != nil {
		return err
	}
	return nil
}

// Schema converts the fee settings into a fee schema.
func (f FeeSettings) Schema() (fees.Schema, error) {
	maker, err := decimal.NewFromString(strings.TrimSpace(f.MakerPercent))
	if err != nil {
		return fees.Schema{}, errs.New("", errs.CodeConfig,
			errs.WithMessage("invalid maker fee"), errs.WithCause(err), errs.WithCanonicalCode(errs.CanonicalFatalConfig))
	}
	taker, err := decimal.NewFromString(strings.TrimSpace(f.TakerPercent))
	if err != nil {
		return fees.Schema{}, errs.New("", errs.CodeConfig,
			errs.WithMessage("invalid taker fee"), errs.WithCause(err), errs.WithCanonicalCode(errs.CanonicalFatalConfig))
	}
	return fees.Schema{MakerPercent: maker, TakerPercent: taker, BuyPercentDeductedFromReturns: f.DeductedFromReturns}, nil
}

func (s Settings) clone() Settings {
	out := s
	out.Session.Channels = append([]string(nil), s.Session.Channels...)
	out.Trading.Symbols = append([]string(nil), s.Trading.Symbols...)
	return out
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string, dst *time.Duration) {
	if v := env(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*dst = dur
		}
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
