package ratelimit

import (
	"context"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultSweepInterval = 5 * time.Minute
	// idleWindows is how many windows a bucket may sit unused before it is collected.
	idleWindows = 2
)

type bucketKey struct {
	tenant string
	class  Class
}

type bucket struct {
	limiter  *rate.Limiter
	rule     Rule
	lastSeen atomic.Int64
}

// MemoryOption configures the in-process limiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval sets the idle bucket collection cadence.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(l *MemoryLimiter) {
		if interval > 0 {
			l.sweepInterval = interval
		}
	}
}

// WithMemoryLogger overrides the default logger.
func WithMemoryLogger(logger *log.Logger) MemoryOption {
	return func(l *MemoryLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// MemoryLimiter keeps one x/time/rate token bucket per tenant and class.
type MemoryLimiter struct {
	rules         map[Class]Rule
	now           func() time.Time
	sweepInterval time.Duration
	logger        *log.Logger
	metrics       decisionMetrics

	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
}

// NewMemoryLimiter constructs an in-process limiter. Missing classes use DefaultRules.
func NewMemoryLimiter(rules map[Class]Rule, opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		rules:         mergeRules(rules),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		logger:        log.New(os.Stdout, "ratelimit ", log.LstdFlags|log.Lmicroseconds),
		metrics:       newDecisionMetrics("ratelimit"),
		mu:            sync.RWMutex{},
		buckets:       make(map[bucketKey]*bucket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow consumes one token from the tenant's bucket for class when available.
func (l *MemoryLimiter) Allow(ctx context.Context, tenantID string, class Class) Result {
	now := l.now()
	b := l.bucket(bucketKey{tenant: tenantID, class: class}, now)
	b.lastSeen.Store(now.UnixNano())

	res := Result{Limit: b.rule.Capacity}
	if b.limiter.AllowN(now, 1) {
		tokens := b.limiter.TokensAt(now)
		res.Allowed = true
		res.Remaining = int(math.Floor(tokens))
		res.ResetAfter = b.rule.durationFor(float64(b.rule.Capacity) - tokens)
	} else {
		tokens := b.limiter.TokensAt(now)
		res.Remaining = 0
		res.RetryAfter = b.rule.durationFor(1 - tokens)
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		res.ResetAfter = b.rule.durationFor(float64(b.rule.Capacity) - tokens)
	}
	l.metrics.record(ctx, class, res)
	return res
}

func (l *MemoryLimiter) bucket(key bucketKey, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	rule := resolveRule(l.rules, key.class)
	lim := rate.NewLimiter(rate.Limit(rule.ratePerSecond()), rule.Capacity)
	// Prime the limiter's clock so the first refill is measured from creation.
	lim.SetLimitAt(now, lim.Limit())
	b = &bucket{limiter: lim, rule: rule}
	b.lastSeen.Store(now.UnixNano())
	l.buckets[key] = b
	return b
}

// Sweep removes buckets idle for longer than two windows and returns how many were dropped.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		idle := now.Sub(time.Unix(0, b.lastSeen.Load()))
		if idle > idleWindows*b.rule.Window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets.
func (l *MemoryLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Run collects idle buckets until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Printf("collected idle buckets: removed=%d remaining=%d", removed, l.Len())
			}
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
