package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := map[string]struct {
		raw      string
		insecure bool
		want     endpoint
	}{
		"host port":       {raw: "collector:4318", want: endpoint{host: "collector:4318"}},
		"host port flag":  {raw: "collector:4318/", insecure: true, want: endpoint{host: "collector:4318", insecure: true}},
		"http implies":    {raw: "http://collector:4318", want: endpoint{host: "collector:4318", insecure: true}},
		"https keeps tls": {raw: "https://otel.example.com/v1/metrics", want: endpoint{host: "otel.example.com", path: "/v1/metrics"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := parseEndpoint(tc.raw, tc.insecure)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "grpc://collector:4317", "http://"} {
		_, err := parseEndpoint(bad, false)
		assert.Error(t, err, bad)
	}
}

func TestProviderWithoutEndpointStaysOnGlobalMeter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnableMetrics = true
	cfg.OTLPEndpoint = ""
	cfg.Environment = " Staging "

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, provider.Enabled())
	assert.NotEmpty(t, provider.InstanceID())
	assert.NotNil(t, provider.Meter("activitybus.test"))
	assert.NoError(t, provider.Shutdown(context.Background()))
	assert.Equal(t, "staging", Environment())
}

func TestNilProviderIsSafe(t *testing.T) {
	var provider *Provider
	assert.False(t, provider.Enabled())
	assert.Empty(t, provider.InstanceID())
	assert.NotNil(t, provider.Meter("activitybus.test"))
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("ACTIVITYBUS_ENV", "prod")
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "5000")

	cfg := DefaultConfig()
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "activitybus", cfg.ServiceName)
	assert.Equal(t, "5s", cfg.MetricInterval.String())
}

func TestEnvironmentDefault(t *testing.T) {
	SetEnvironment("")
	assert.Equal(t, "development", Environment())
}

func TestBusViewsCoverHistograms(t *testing.T) {
	assert.Len(t, busViews(), 3)
}

func TestEventAttributesOmitsEmpty(t *testing.T) {
	assert.Len(t, EventAttributes("dev", "memory", "", ""), 2)
	assert.Len(t, EventAttributes("dev", "memory", "acme", "upload"), 4)
}
