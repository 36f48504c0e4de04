package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coachpo/ordersync/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://collector.example.com:4318")
	require.NoError(t, err)
	require.Equal(t, "collector.example.com:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	providers, shutdown, err := Init(context.Background(), Options{Environment: "dev"})
	require.NoError(t, err)
	require.False(t, providers.Exporting)
	require.NotNil(t, providers.TracerProvider)
	require.NotNil(t, providers.Meter("ordersync"))
	require.NoError(t, shutdown(context.Background()))
}

func TestInitInvalidEndpoint(t *testing.T) {
	_, _, err := Init(context.Background(), Options{Telemetry: config.TelemetryConfig{OTLPEndpoint: "://bad"}})
	require.Error(t, err)
}

func TestInitWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	providers, shutdown, err := Init(context.Background(), Options{
		Telemetry:   config.TelemetryConfig{OTLPEndpoint: srv.URL},
		Environment: "dev",
		Venue:       "xt",
	})
	require.NoError(t, err)
	require.True(t, providers.Exporting)
	require.NoError(t, shutdown(context.Background()))
}

func TestResourceDescribesConnector(t *testing.T) {
	res, err := newResource(context.Background(), Options{
		Environment: "staging",
		Venue:       "xt",
		Version:     "1.2.0",
	})
	require.NoError(t, err)

	attrs := make(map[attribute.Key]string)
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, defaultServiceName, attrs[semconv.ServiceNameKey])
	require.Equal(t, "1.2.0", attrs[semconv.ServiceVersionKey])
	require.Equal(t, "staging", attrs[semconv.DeploymentEnvironmentKey])
	require.Equal(t, "xt", attrs[attrVenue])
}
