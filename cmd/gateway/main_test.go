package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/activitybus/internal/app/auth"
	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/infra/bus/eventbus"
	"github.com/coachpo/activitybus/internal/infra/config"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	t.Setenv("ACTIVITYBUS_CONFIG", "")
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))

	t.Setenv("ACTIVITYBUS_CONFIG", "/etc/activitybus.yaml")
	require.Equal(t, "/etc/activitybus.yaml", resolveConfigPath(""))
}

func TestBusCandidatesFollowConfiguredOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Backends = []string{"memory", "redis_stream", "postgres_realtime"}

	candidates := busCandidates(cfg, stores{})
	require.Len(t, candidates, 3)
	require.Equal(t, eventbus.KindMemory, candidates[0].Kind)
	require.Equal(t, eventbus.KindStream, candidates[1].Kind)
	require.Equal(t, eventbus.KindDatabase, candidates[2].Kind)

	_, err := candidates[1].Build(context.Background())
	require.Error(t, err)
	_, err = candidates[2].Build(context.Background())
	require.Error(t, err)
}

func TestUnconfiguredStoresFallBackToMemory(t *testing.T) {
	cfg := config.Default()
	logger := log.New(new(bytes.Buffer), "", 0)

	bus := eventbus.Open(context.Background(), busCandidates(cfg, stores{}),
		eventbus.WithSelectLogger(logger), eventbus.WithProbeTimeout(time.Second))
	defer bus.Close()
	require.Equal(t, eventbus.KindMemory, bus.Kind())
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	logger := log.New(new(bytes.Buffer), "", 0)
	require.Nil(t, newVerifier(logger, auth.Config{}))

	v := newVerifier(logger, auth.Config{Secret: "secret"})
	require.NotNil(t, v)
	_, ok := v.(*auth.JWTVerifier)
	require.True(t, ok)
}

func TestNewLimiterWithoutRedisRunsInMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var lifecycle conc.WaitGroup

	limiter := newLimiter(ctx, &lifecycle, config.Default().RateLimits, nil)
	_, ok := limiter.(*ratelimit.MemoryLimiter)
	require.True(t, ok)
	require.True(t, limiter.Allow(ctx, "tenant-a", ratelimit.ClassPublish).Allowed)

	cancel()
	lifecycle.Wait()
}

func TestWaitOrTimeout(t *testing.T) {
	require.NoError(t, waitOrTimeout(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	err := waitOrTimeout(ctx, func() { <-block })
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
