// Command gateway launches the activity bus: the HTTP control plane and the WebSocket stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/activitybus/db/migrations"
	"github.com/coachpo/activitybus/internal/app/auth"
	"github.com/coachpo/activitybus/internal/app/gateway"
	"github.com/coachpo/activitybus/internal/app/publish"
	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/infra/bus/eventbus"
	"github.com/coachpo/activitybus/internal/infra/config"
	"github.com/coachpo/activitybus/internal/infra/persistence/migrations"
	"github.com/coachpo/activitybus/internal/infra/persistence/postgres"
	"github.com/coachpo/activitybus/internal/infra/persistence/redisstore"
	httpserver "github.com/coachpo/activitybus/internal/infra/server/http"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	gatewayLoggerPrefix      = "activitybus "
	shutdownTimeout          = 30 * time.Second
	streamShutdownTimeout    = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	dataBusShutdownTimeout   = 2 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrationTimeout         = time.Minute
	postgresPoolName         = "activitybus"
)

func main() {
	cfgPathFlag, envFile := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()

	if err := config.LoadDotEnv(envFile); err != nil {
		logger.Fatalf("load env file: %v", err)
	}
	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, backends=%v", appCfg.Environment, appCfg.Bus.Backends)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	clients := openStores(ctx, logger, appCfg)
	if err := runMigrations(ctx, logger, appCfg.Database, clients.pg); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	bus := eventbus.Open(ctx, busCandidates(appCfg, clients),
		eventbus.WithProbeTimeout(appCfg.Bus.ProbeTimeout),
		eventbus.WithFallback(func() eventbus.Bus { return eventbus.NewMemoryBus(appCfg.Bus.EventbusConfig()) }),
	)

	var lifecycle conc.WaitGroup
	limiter := newLimiter(ctx, &lifecycle, appCfg.RateLimits, clients.redis)
	verifier := newVerifier(logger, appCfg.Auth)

	publisher := publish.NewService(bus, limiter,
		publish.WithRetryPolicy(appCfg.Publish.MaxRetries, appCfg.Publish.InitialDelay))
	stream := gateway.New(bus, verifier, limiter, appCfg.Gateway,
		gateway.WithRegisterer(prometheus.DefaultRegisterer))

	handler := httpserver.NewHandler(httpserver.Options{
		Environment: string(appCfg.Environment),
		Bus:         bus,
		Publisher:   publisher,
		Connections: stream,
		Stream:      stream,
		Verifier:    verifier,
		Limiter:     limiter,
		Gatherer:    prometheus.DefaultGatherer,
	})
	apiServer := buildAPIServer(appCfg.APIServer, handler)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("activity bus listening on %s (backend=%s)", apiServer.Addr, bus.Kind())

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		stream:        stream,
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		dataBus:       bus,
		stores:        clients,
		telemetry:     telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", ".env", "Optional KEY=VALUE file loaded before the environment overrides")
	flag.Parse()
	return *cfgPath, *envFile
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	telemetryCfg.Enabled = telemetryCfg.Enabled && cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s, instance=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName, provider.InstanceID())
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// stores holds the shared clients. Either may be nil when unconfigured or unreachable.
type stores struct {
	redis *redis.Client
	pg    *pgxpool.Pool
}

func openStores(ctx context.Context, logger *log.Logger, cfg config.AppConfig) stores {
	var out stores
	if cfg.Redis.Enabled() {
		client, err := redisstore.Open(ctx, cfg.Redis.URL, redisstore.Options{
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Printf("redis unavailable: %v", err)
		} else {
			out.redis = client
		}
	}
	if cfg.Database.Enabled() {
		pool, err := postgres.Open(ctx, cfg.Database.DSN, postgres.Options{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			Name:            postgresPoolName,
		})
		if err != nil {
			logger.Printf("postgres unavailable: %v", err)
		} else {
			out.pg = pool
		}
	}
	return out
}

func runMigrations(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig, pool *pgxpool.Pool) error {
	if !cfg.RunMigrations || pool == nil {
		return nil
	}
	migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	return migrations.ApplyEmbedded(migrateCtx, cfg.DSN, dbmigrations.Files, logger)
}

// busCandidates lists backends in configured order. Unconfigured stores yield candidates
// that fail to build so selection moves on.
func busCandidates(cfg config.AppConfig, s stores) []eventbus.Candidate {
	busCfg := cfg.Bus.EventbusConfig()
	out := make([]eventbus.Candidate, 0, len(cfg.Bus.Backends))
	for _, name := range cfg.Bus.Backends {
		kind := eventbus.Kind(name)
		switch kind {
		case eventbus.KindStream:
			out = append(out, eventbus.Candidate{Kind: kind, Build: func(context.Context) (eventbus.Bus, error) {
				if s.redis == nil {
					return nil, errors.New("redis not configured")
				}
				opts := []eventbus.StreamOption{eventbus.WithStreamPrefix(cfg.Bus.StreamPrefix)}
				if cfg.Bus.RelayEnabled() {
					opts = append(opts, eventbus.WithStreamRelay())
				}
				return eventbus.NewStreamBus(s.redis, busCfg, opts...), nil
			}})
		case eventbus.KindDatabase:
			out = append(out, eventbus.Candidate{Kind: kind, Build: func(context.Context) (eventbus.Bus, error) {
				if s.pg == nil {
					return nil, errors.New("postgres not configured")
				}
				opts := []eventbus.DatabaseOption{eventbus.WithNotifyChannel(cfg.Database.NotifyChannel)}
				if cfg.Bus.RelayEnabled() {
					opts = append(opts, eventbus.WithDatabaseRelay())
				}
				return eventbus.NewDatabaseBus(s.pg, busCfg, opts...), nil
			}})
		case eventbus.KindMemory:
			out = append(out, eventbus.Candidate{Kind: kind, Build: func(context.Context) (eventbus.Bus, error) {
				return eventbus.NewMemoryBus(busCfg), nil
			}})
		}
	}
	return out
}

// newLimiter shares buckets through Redis when a client is available and otherwise keeps
// them in process, sweeping idle buckets until ctx ends.
func newLimiter(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.RateLimitConfig, client *redis.Client) ratelimit.Limiter {
	if client != nil {
		return ratelimit.NewRedisLimiter(client, cfg.Rules(), ratelimit.WithRedisKeyPrefix(cfg.KeyPrefix))
	}
	limiter := ratelimit.NewMemoryLimiter(cfg.Rules(), ratelimit.WithSweepInterval(cfg.SweepInterval))
	lifecycle.Go(func() { limiter.Run(ctx) })
	return limiter
}

// newVerifier returns nil when no secret is configured so that connections are refused
// with AUTH_NOT_CONFIGURED and the control plane answers 503.
func newVerifier(logger *log.Logger, cfg auth.Config) auth.Verifier {
	if !cfg.Enabled() {
		logger.Print("auth secret not configured; authenticated endpoints are disabled")
		return nil
	}
	return auth.NewJWTVerifier(cfg)
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	stream        *gateway.Gateway
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	dataBus       eventbus.Bus
	stores        stores
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.stream != nil {
		shutdownStep("closing websocket connections", streamShutdownTimeout, cfg.stream.Shutdown)
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, cfg.server.Shutdown)
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.dataBus.Close)
		})
	}

	shutdownStep("closing stores", storeShutdownTimeout, func(stepCtx context.Context) error {
		return waitOrTimeout(stepCtx, func() {
			if cfg.stores.pg != nil {
				cfg.stores.pg.Close()
			}
			if cfg.stores.redis != nil {
				_ = cfg.stores.redis.Close()
			}
		})
	})

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func waitOrTimeout(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(config.EnvPrefix + "CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
