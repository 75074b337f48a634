package ratelimit

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/activitybus/internal/domain/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rules map[Class]Rule) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemoryLimiter(rules,
		WithClock(clock.Now),
		WithMemoryLogger(log.New(io.Discard, "", 0)))
	return lim, clock
}

func TestCapacityWithinWindowThenReject(t *testing.T) {
	lim, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		res := lim.Allow(ctx, "acme", ClassPublish)
		require.Truef(t, res.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 60-i-1, res.Remaining)
	}

	res := lim.Allow(ctx, "acme", ClassPublish)
	require.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, time.Second, res.RetryAfter)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.ResetAfter)

	err := res.Err("publish", ClassPublish)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeRateLimited))
}

func TestRefillOverTime(t *testing.T) {
	lim, clock := newTestLimiter(t, map[Class]Rule{ClassPublish: {Capacity: 2, Window: 2 * time.Second}})
	ctx := context.Background()

	require.True(t, lim.Allow(ctx, "acme", ClassPublish).Allowed)
	require.True(t, lim.Allow(ctx, "acme", ClassPublish).Allowed)
	require.False(t, lim.Allow(ctx, "acme", ClassPublish).Allowed)

	clock.Advance(500 * time.Millisecond)
	res := lim.Allow(ctx, "acme", ClassPublish)
	require.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, lim.Allow(ctx, "acme", ClassPublish).Allowed)
}

func TestBucketsIsolatedByTenantAndClass(t *testing.T) {
	lim, _ := newTestLimiter(t, map[Class]Rule{
		ClassPublish: {Capacity: 1, Window: time.Minute},
		ClassConnect: {Capacity: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, lim.Allow(ctx, "acme", ClassPublish).Allowed)
	require.False(t, lim.Allow(ctx, "acme", ClassPublish).Allowed)
	assert.True(t, lim.Allow(ctx, "globex", ClassPublish).Allowed)
	assert.True(t, lim.Allow(ctx, "acme", ClassConnect).Allowed)
}

func TestInvalidRuleFallsBackToDefault(t *testing.T) {
	lim, _ := newTestLimiter(t, map[Class]Rule{ClassPublish: {Capacity: 0, Window: time.Minute}})
	res := lim.Allow(context.Background(), "acme", ClassPublish)
	require.True(t, res.Allowed)
	assert.Equal(t, 60, res.Limit)
}

func TestSweepCollectsIdleBuckets(t *testing.T) {
	lim, clock := newTestLimiter(t, map[Class]Rule{ClassPublish: {Capacity: 5, Window: time.Second}})
	ctx := context.Background()

	lim.Allow(ctx, "idle", ClassPublish)
	clock.Advance(1500 * time.Millisecond)
	lim.Allow(ctx, "busy", ClassPublish)
	clock.Advance(1 * time.Second)

	assert.Equal(t, 2, lim.Len())
	assert.Equal(t, 1, lim.Sweep())
	assert.Equal(t, 1, lim.Len())
}

func TestConcurrentAllowNeverExceedsCapacity(t *testing.T) {
	lim, _ := newTestLimiter(t, map[Class]Rule{ClassPublish: {Capacity: 50, Window: time.Hour}})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim.Allow(ctx, "acme", ClassPublish).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	lim := NewRedisLimiter(client, nil,
		WithRedisLogger(log.New(io.Discard, "", 0)),
		WithRedisTimeout(100*time.Millisecond))

	res := lim.Allow(context.Background(), "acme", ClassPublish)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 60, res.Limit)
}

func TestRedisLimiterNilClientFailsOpen(t *testing.T) {
	lim := NewRedisLimiter(nil, nil, WithRedisLogger(log.New(io.Discard, "", 0)))
	res := lim.Allow(context.Background(), "acme", ClassConnect)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
}
