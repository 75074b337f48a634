// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/activitybus/internal/app/auth"
	"github.com/coachpo/activitybus/internal/app/gateway"
	"github.com/coachpo/activitybus/internal/app/publish"
	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/infra/bus/eventbus"
)

// APIServerConfig configures the HTTP listener that hosts the control plane and /ws.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// RedisConfig controls the Redis client used by the stream backend and the distributed
// rate limiter. An empty URL disables both.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"poolSize"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// Enabled reports whether a Redis URL is configured.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// DatabaseConfig controls PostgreSQL connectivity. An empty DSN disables the database
// backend.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	NotifyChannel   string        `yaml:"notifyChannel"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

// Enabled reports whether a DSN is configured.
func (c DatabaseConfig) Enabled() bool { return strings.TrimSpace(c.DSN) != "" }

// BusConfig selects and sizes the event bus backend.
type BusConfig struct {
	// Backends lists candidates in preference order; the first reachable one wins.
	Backends         []string      `yaml:"backends"`
	Retention        int           `yaml:"retention"`
	MemoryRetention  int           `yaml:"memoryRetention"`
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	FanoutWorkers    int           `yaml:"fanoutWorkers"`
	StreamPrefix     string        `yaml:"streamPrefix"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	Relay            *bool         `yaml:"relay"`
}

// RelayEnabled defaults to true when unset.
func (c BusConfig) RelayEnabled() bool {
	return c.Relay == nil || *c.Relay
}

// EventbusConfig converts the sizing fields for the eventbus package.
func (c BusConfig) EventbusConfig() eventbus.Config {
	return eventbus.Config{
		Retention:        c.Retention,
		MemoryRetention:  c.MemoryRetention,
		SubscriberBuffer: c.SubscriberBuffer,
		FanoutWorkers:    c.FanoutWorkers,
	}
}

// RateLimitConfig sets the per-class token buckets.
type RateLimitConfig struct {
	Publish       ratelimit.Rule `yaml:"publish"`
	Connect       ratelimit.Rule `yaml:"connect"`
	BulkRead      ratelimit.Rule `yaml:"bulkRead"`
	SweepInterval time.Duration  `yaml:"sweepInterval"`
	KeyPrefix     string         `yaml:"keyPrefix"`
}

// Rules returns the configured rules keyed by class.
func (c RateLimitConfig) Rules() map[ratelimit.Class]ratelimit.Rule {
	return map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassPublish:  c.Publish,
		ratelimit.ClassConnect:  c.Connect,
		ratelimit.ClassBulkRead: c.BulkRead,
	}
}

// PublishConfig controls backend write retries.
type PublishConfig struct {
	MaxRetries   int           `yaml:"maxRetries"`
	InitialDelay time.Duration `yaml:"initialDelay"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified activity bus configuration sourced from YAML and the
// environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Redis       RedisConfig     `yaml:"redis"`
	Database    DatabaseConfig  `yaml:"database"`
	Bus         BusConfig       `yaml:"bus"`
	RateLimits  RateLimitConfig `yaml:"rateLimits"`
	Publish     PublishConfig   `yaml:"publish"`
	Gateway     gateway.Config  `yaml:"gateway"`
	Auth        auth.Config     `yaml:"auth"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns a configuration that runs on the in-memory backend.
func Default() AppConfig {
	var cfg AppConfig
	cfg.normalise()
	return cfg
}

// Load reads a YAML file, applies environment overrides and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default plus environment overrides
// when the path is empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(AppConfig{})
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	switch c.Environment {
	case "":
		c.Environment = EnvDev
	case "development":
		c.Environment = EnvDev
	case "production":
		c.Environment = EnvProd
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 10 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}

	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout <= 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout <= 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 16
	}
	if c.Database.MinConns <= 0 {
		c.Database.MinConns = 1
	}
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	if c.Database.MaxConnLifetime <= 0 {
		c.Database.MaxConnLifetime = 30 * time.Minute
	}
	c.Database.NotifyChannel = strings.TrimSpace(c.Database.NotifyChannel)
	if c.Database.NotifyChannel == "" {
		c.Database.NotifyChannel = eventbus.DefaultNotifyChannel
	}

	c.Bus.Backends = normaliseBackends(c.Bus.Backends)
	if c.Bus.Retention <= 0 {
		c.Bus.Retention = eventbus.DefaultRetention
	}
	if c.Bus.MemoryRetention <= 0 {
		c.Bus.MemoryRetention = eventbus.DefaultMemoryRetention
	}
	if c.Bus.SubscriberBuffer <= 0 {
		c.Bus.SubscriberBuffer = eventbus.DefaultSubscriberBuffer
	}
	if c.Bus.FanoutWorkers <= 0 {
		c.Bus.FanoutWorkers = eventbus.DefaultFanoutWorkers
	}
	c.Bus.StreamPrefix = strings.TrimSpace(c.Bus.StreamPrefix)
	if c.Bus.StreamPrefix == "" {
		c.Bus.StreamPrefix = eventbus.DefaultStreamPrefix
	}
	if c.Bus.ProbeTimeout <= 0 {
		c.Bus.ProbeTimeout = eventbus.DefaultProbeTimeout
	}

	defaults := ratelimit.DefaultRules()
	fillRule(&c.RateLimits.Publish, defaults[ratelimit.ClassPublish])
	fillRule(&c.RateLimits.Connect, defaults[ratelimit.ClassConnect])
	fillRule(&c.RateLimits.BulkRead, defaults[ratelimit.ClassBulkRead])
	if c.RateLimits.SweepInterval <= 0 {
		c.RateLimits.SweepInterval = time.Minute
	}
	c.RateLimits.KeyPrefix = strings.TrimSpace(c.RateLimits.KeyPrefix)
	if c.RateLimits.KeyPrefix == "" {
		c.RateLimits.KeyPrefix = "activitybus:ratelimit"
	}

	if c.Publish.MaxRetries <= 0 {
		c.Publish.MaxRetries = publish.DefaultMaxRetries
	}
	if c.Publish.InitialDelay <= 0 {
		c.Publish.InitialDelay = publish.DefaultInitialDelay
	}

	c.Gateway = fillGateway(c.Gateway)

	c.Auth.Secret = strings.TrimSpace(c.Auth.Secret)
	c.Auth.Issuer = strings.TrimSpace(c.Auth.Issuer)
	c.Auth.Audience = strings.TrimSpace(c.Auth.Audience)
	if strings.TrimSpace(c.Auth.CrossTenantRole) == "" {
		c.Auth.CrossTenantRole = auth.DefaultCrossTenantRole
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "activitybus"
	}
}

func fillRule(rule *ratelimit.Rule, def ratelimit.Rule) {
	if rule.Capacity <= 0 {
		rule.Capacity = def.Capacity
	}
	if rule.Window <= 0 {
		rule.Window = def.Window
	}
}

// fillGateway fills zero fields from the gateway defaults while keeping explicit values.
func fillGateway(c gateway.Config) gateway.Config {
	def := gateway.DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = def.HeartbeatGrace
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = def.FlushBatch
	}
	if c.SendRetries <= 0 {
		c.SendRetries = def.SendRetries
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = def.MaxMalformed
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = def.Queue.Capacity
	}
	if c.Queue.MaxMessageBytes <= 0 {
		c.Queue.MaxMessageBytes = def.Queue.MaxMessageBytes
	}
	if c.Queue.HighWatermark == 0 {
		c.Queue.HighWatermark = def.Queue.HighWatermark
	}
	if c.Queue.CriticalWatermark == 0 {
		c.Queue.CriticalWatermark = def.Queue.CriticalWatermark
	}
	if c.Queue.LowEvictions <= 0 {
		c.Queue.LowEvictions = def.Queue.LowEvictions
	}
	return c
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if len(c.Bus.Backends) == 0 {
		return fmt.Errorf("bus backends must list at least one backend")
	}
	for _, name := range c.Bus.Backends {
		switch eventbus.Kind(name) {
		case eventbus.KindStream, eventbus.KindDatabase, eventbus.KindMemory:
		default:
			return fmt.Errorf("bus backends: unknown backend %q", name)
		}
	}
	if c.Bus.Retention <= 0 || c.Bus.MemoryRetention <= 0 {
		return fmt.Errorf("bus retention must be >0")
	}

	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database: minConns must be <= maxConns")
	}

	for class, rule := range c.RateLimits.Rules() {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rateLimits %s: %w", class, err)
		}
	}

	if err := c.Gateway.Queue.Validate(); err != nil {
		return fmt.Errorf("gateway queue: %w", err)
	}

	if c.Environment == EnvProd && !c.Auth.Enabled() {
		return fmt.Errorf("auth jwtSecret required in prod")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func normaliseBackends(in []string) []string {
	if len(in) == 0 {
		return []string{string(eventbus.KindStream), string(eventbus.KindDatabase), string(eventbus.KindMemory)}
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, name := range in {
		key := strings.ToLower(strings.TrimSpace(name))
		switch key {
		case "":
			continue
		case "redis", "stream":
			key = string(eventbus.KindStream)
		case "postgres", "database", "supabase":
			key = string(eventbus.KindDatabase)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
