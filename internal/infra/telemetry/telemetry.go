package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultService     = "activitybus"
	defaultVersion     = "1.0.0"
	defaultEnvironment = "development"
)

var environment atomic.Value

// Config selects where activity bus metrics are exported. An empty
// OTLPEndpoint, or Enabled/EnableMetrics left false, keeps the process on
// the global no-op meter provider.
type Config struct {
	Enabled          bool
	EnableMetrics    bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	MetricInterval   time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables. ACTIVITYBUS_ENV is the
// environment fallback when OTEL_RESOURCE_ENVIRONMENT is unset.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:          os.Getenv("OTEL_ENABLED") != "false",
		EnableMetrics:    os.Getenv("OTEL_METRICS_ENABLED") != "false",
		OTLPEndpoint:     strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTLPInsecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		MetricInterval:   30 * time.Second,
		ServiceName:      firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), defaultService),
		ServiceVersion:   defaultVersion,
		ServiceNamespace: strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAMESPACE")),
		Environment: firstNonEmpty(
			os.Getenv("OTEL_RESOURCE_ENVIRONMENT"),
			os.Getenv("ACTIVITYBUS_ENV"),
			defaultEnvironment,
		),
	}
	if raw := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL"); raw != "" {
		if ms, err := time.ParseDuration(raw + "ms"); err == nil && ms > 0 {
			cfg.MetricInterval = ms
		}
	}
	return cfg
}

func (c Config) exporting() bool {
	return c.Enabled && c.EnableMetrics && c.OTLPEndpoint != ""
}

// Provider owns the SDK meter provider when metrics are exported.
type Provider struct {
	mp         *sdkmetric.MeterProvider
	instanceID string
}

// NewProvider records the environment label and, when exporting, installs
// an OTLP/HTTP meter provider as the global one.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)
	p := &Provider{instanceID: uuid.NewString()}
	if !cfg.exporting() {
		return p, nil
	}

	target, err := parseEndpoint(cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(firstNonEmpty(cfg.ServiceVersion, defaultVersion)),
			semconv.ServiceInstanceIDKey.String(p.instanceID),
			semconv.DeploymentEnvironmentNameKey.String(Environment()),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	if cfg.ServiceNamespace != "" {
		res, err = resource.Merge(res, resource.NewSchemaless(semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace)))
		if err != nil {
			return nil, fmt.Errorf("telemetry resource: %w", err)
		}
	}

	exporter, err := otlpmetrichttp.New(ctx, target.options()...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(busViews()...),
	)
	otel.SetMeterProvider(p.mp)
	return p, nil
}

// Enabled reports whether metrics are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.mp != nil
}

// InstanceID identifies this process in exported resources.
func (p *Provider) InstanceID() string {
	if p == nil {
		return ""
	}
	return p.instanceID
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return errors.Join(p.mp.ForceFlush(ctx), p.mp.Shutdown(ctx))
}

// Meter returns a meter from the exporting provider, or the global one.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Enabled() {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

// busViews sets explicit buckets on the publish and fanout histograms.
func busViews() []sdkmetric.View {
	buckets := map[string][]float64{
		// includes the retry backoff, so the tail reaches several seconds
		"publish.duration":          {1, 5, 10, 25, 50, 100, 250, 1000, 3000, 7500},
		"eventbus.publish.duration": {0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250},
		"eventbus.fanout.size":      {1, 2, 5, 10, 20, 50, 100},
	}
	views := make([]sdkmetric.View, 0, len(buckets))
	for name, bounds := range buckets {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return views
}

type endpoint struct {
	host     string
	path     string
	insecure bool
}

func (e endpoint) options() []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(e.host)}
	if e.path != "" {
		opts = append(opts, otlpmetrichttp.WithURLPath(e.path))
	}
	if e.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}

// parseEndpoint accepts host:port or a full http(s) URL. An http scheme
// implies an insecure exporter.
func parseEndpoint(raw string, insecure bool) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		if raw == "" {
			return endpoint{}, fmt.Errorf("otlp endpoint required")
		}
		return endpoint{host: strings.TrimSuffix(raw, "/"), insecure: insecure}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("otlp endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		insecure = true
	case "https":
	default:
		return endpoint{}, fmt.Errorf("otlp endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("otlp endpoint %q: missing host", raw)
	}
	path := strings.TrimSuffix(u.Path, "/")
	return endpoint{host: u.Host, path: path, insecure: insecure}, nil
}

// SetEnvironment records the environment label attached to metrics.
func SetEnvironment(env string) {
	environment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the environment label, "development" when unset.
func Environment() string {
	if env, _ := environment.Load().(string); env != "" {
		return env
	}
	return defaultEnvironment
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
