package ratelimit

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "ratelimit"
	defaultRedisTimeout   = 250 * time.Millisecond
)

// tokenBucketScript refills and consumes atomically on the Redis side.
// KEYS[1] bucket key; ARGV capacity, tokens per ms, now ms, ttl ms.
// Returns {allowed, tokens, retry_ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * rate)
local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens), retry}
`)

// RedisOption configures the distributed limiter.
type RedisOption func(*RedisLimiter)

// WithRedisLogger overrides the default logger.
func WithRedisLogger(logger *log.Logger) RedisOption {
	return func(l *RedisLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRedisKeyPrefix namespaces the bucket keys.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithRedisTimeout bounds each round trip to the store.
func WithRedisTimeout(timeout time.Duration) RedisOption {
	return func(l *RedisLimiter) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// RedisLimiter shares token buckets between processes through Redis. It fails open:
// when Redis cannot be reached the request is allowed and the degradation is logged.
type RedisLimiter struct {
	client  redis.UniversalClient
	rules   map[Class]Rule
	prefix  string
	timeout time.Duration
	now     func() time.Time
	logger  *log.Logger
	metrics decisionMetrics
}

// NewRedisLimiter constructs a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, rules map[Class]Rule, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client:  client,
		rules:   mergeRules(rules),
		prefix:  defaultRedisKeyPrefix,
		timeout: defaultRedisTimeout,
		now:     time.Now,
		logger:  log.New(os.Stdout, "ratelimit/redis ", log.LstdFlags|log.Lmicroseconds),
		metrics: newDecisionMetrics("ratelimit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *RedisLimiter) key(tenantID string, class Class) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, class, tenantID)
}

// Allow consumes one token from the shared bucket.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string, class Class) Result {
	rule := resolveRule(l.rules, class)
	res, err := l.eval(ctx, tenantID, class, rule)
	if err != nil {
		l.logger.Printf("rate limit store unavailable, allowing request: tenant=%s class=%s err=%v", tenantID, class, err)
		res = Result{Allowed: true, Limit: rule.Capacity, Remaining: rule.Capacity, Degraded: true}
	}
	l.metrics.record(ctx, class, res)
	return res
}

func (l *RedisLimiter) eval(ctx context.Context, tenantID string, class Class, rule Rule) (Result, error) {
	if l.client == nil {
		return Result{}, fmt.Errorf("redis client not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	perMilli := rule.ratePerSecond() / 1000
	ttl := (idleWindows * rule.Window).Milliseconds()
	raw, err := tokenBucketScript.Run(callCtx, l.client,
		[]string{l.key(tenantID, class)},
		rule.Capacity, strconv.FormatFloat(perMilli, 'f', -1, 64), l.now().UnixMilli(), ttl,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("eval token bucket: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("unexpected token bucket reply of length %d", len(raw))
	}
	allowed, _ := raw[0].(int64)
	tokensText, _ := raw[1].(string)
	retryMs, _ := raw[2].(int64)
	tokens, err := strconv.ParseFloat(tokensText, 64)
	if err != nil {
		return Result{}, fmt.Errorf("parse tokens %q: %w", tokensText, err)
	}

	res := Result{
		Allowed:    allowed == 1,
		Limit:      rule.Capacity,
		Remaining:  int(tokens),
		ResetAfter: rule.durationFor(float64(rule.Capacity) - tokens),
	}
	if !res.Allowed {
		res.Remaining = 0
		res.RetryAfter = time.Duration(retryMs) * time.Millisecond
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
	}
	return res, nil
}

var _ Limiter = (*RedisLimiter)(nil)
