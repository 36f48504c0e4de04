// Package telemetry configures OpenTelemetry providers for the connector binary.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/coachpo/ordersync/config"
)

const (
	defaultServiceName    = "ordersync"
	defaultExportInterval = 15 * time.Second

	attrVenue = attribute.Key("ordersync.venue")
)

// Providers groups telemetry provider handles.
type Providers struct {
	TracerProvider trace.TracerProvider
	MeterProvider  apimetric.MeterProvider
	// Exporting is false when no collector endpoint is configured.
	Exporting bool
}

// Meter returns the connector meter.
func (p Providers) Meter(name string) apimetric.Meter {
	if p.MeterProvider == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return p.MeterProvider.Meter(name)
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(context.Context) error

// Options describes the running connector to the collector.
type Options struct {
	Telemetry      config.TelemetryConfig
	Environment    string
	Venue          string
	Version        string
	ExportInterval time.Duration
}

// Init installs OTLP/HTTP trace and metric exporters when an endpoint is configured and noop
// providers otherwise. The providers are also set as the otel globals.
func Init(ctx context.Context, opts Options) (Providers, ShutdownFunc, error) {
	endpoint := strings.TrimSpace(opts.Telemetry.OTLPEndpoint)
	if endpoint == "" {
		providers := Providers{
			TracerProvider: nooptrace.NewTracerProvider(),
			MeterProvider:  noop.NewMeterProvider(),
		}
		install(providers)
		return providers, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return Providers{}, nil, err
	}
	res, err := newResource(ctx, opts)
	if err != nil {
		return Providers{}, nil, err
	}
	tp, err := newTracerProvider(ctx, host, insecure, res)
	if err != nil {
		return Providers{}, nil, err
	}
	mp, err := newMeterProvider(ctx, host, insecure, res, opts.ExportInterval)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return Providers{}, nil, err
	}

	providers := Providers{TracerProvider: tp, MeterProvider: mp, Exporting: true}
	install(providers)
	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return providers, shutdown, nil
}

func install(p Providers) {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
}

// newResource identifies the process by service, version, environment and venue.
func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	service := strings.TrimSpace(opts.Telemetry.ServiceName)
	if service == "" {
		service = defaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if v := strings.TrimSpace(opts.Version); v != "" {
		attrs = append(attrs, semconv.ServiceVersion(v))
	}
	if env := strings.TrimSpace(opts.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	if venue := strings.TrimSpace(opts.Venue); venue != "" {
		attrs = append(attrs, attrVenue.String(venue))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, host string, insecure bool, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(ctx context.Context, host string, insecure bool, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	if interval <= 0 {
		interval = defaultExportInterval
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}

// parseEndpoint accepts a bare host:port or a URL. Anything but https is exported in the clear.
func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if parsed.Host == "" {
		return raw, true, nil
	}
	return parsed.Host, parsed.Scheme != "https", nil
}
