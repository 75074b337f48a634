// Package redisstore opens the Redis client shared by the stream bus and the rate limiter.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

// Options tunes the client. Zero values keep the settings from the URL.
type Options struct {
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Open parses a redis:// or rediss:// URL, connects and pings.
func Open(ctx context.Context, rawURL string, opts Options) (*redis.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("redis url required")
	}
	cfg, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		cfg.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		cfg.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		cfg.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		cfg.WriteTimeout = opts.WriteTimeout
	}

	client := redis.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	observePoolStats(client)
	return client, nil
}

func observePoolStats(client *redis.Client) {
	meter := otel.Meter("redis.pool")
	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
	_, _ = meter.Int64ObservableGauge("activitybus_redis_pool_connections_total",
		metric.WithDescription("Open connections in the Redis client pool"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(client.PoolStats().TotalConns), attrs)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("activitybus_redis_pool_connections_idle",
		metric.WithDescription("Idle connections in the Redis client pool"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(client.PoolStats().IdleConns), attrs)
			return nil
		}),
	)
}
