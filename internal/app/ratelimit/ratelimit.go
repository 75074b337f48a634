// Package ratelimit provides per-tenant token bucket admission control.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

// Class identifies the operation family a bucket guards.
type Class string

const (
	ClassPublish  Class = "publish"
	ClassConnect  Class = "connect"
	ClassBulkRead Class = "bulk_read"
)

// Rule is a bucket's capacity refilled linearly over Window.
type Rule struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// ratePerSecond is the refill speed in tokens per second.
func (r Rule) ratePerSecond() float64 {
	if r.Window <= 0 {
		return 0
	}
	return float64(r.Capacity) / r.Window.Seconds()
}

// durationFor returns how long it takes to refill the given number of tokens.
func (r Rule) durationFor(tokens float64) time.Duration {
	perSecond := r.ratePerSecond()
	if tokens <= 0 || perSecond <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(tokens / perSecond * float64(time.Second)))
}

// Validate reports a malformed rule.
func (r Rule) Validate() error {
	if r.Capacity <= 0 {
		return fmt.Errorf("capacity must be >0")
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be >0")
	}
	return nil
}

// DefaultRules returns the default per-class limits.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassPublish:  {Capacity: 60, Window: time.Minute},
		ClassConnect:  {Capacity: 60, Window: time.Minute},
		ClassBulkRead: {Capacity: 10, Window: time.Minute},
	}
}

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
	// Degraded is set when a distributed limiter allowed the request because its store failed.
	Degraded bool
}

// Err converts a rejection into a rate-limit error; it returns nil when allowed.
func (r Result) Err(component string, class Class) error {
	if r.Allowed {
		return nil
	}
	return errs.New(component, errs.CodeRateLimited,
		errs.WithMessage(fmt.Sprintf("%s rate limit exceeded", class)),
		errs.WithRetryAfter(r.RetryAfter))
}

// Limiter admits or rejects operations per tenant and class.
type Limiter interface {
	Allow(ctx context.Context, tenantID string, class Class) Result
}

// resolveRule returns the rule for class, falling back to the publish default.
func resolveRule(rules map[Class]Rule, class Class) Rule {
	if rule, ok := rules[class]; ok && rule.Validate() == nil {
		return rule
	}
	if rule, ok := DefaultRules()[class]; ok {
		return rule
	}
	return DefaultRules()[ClassPublish]
}

func mergeRules(rules map[Class]Rule) map[Class]Rule {
	merged := DefaultRules()
	for class, rule := range rules {
		if rule.Validate() == nil {
			merged[class] = rule
		}
	}
	return merged
}

type decisionMetrics struct {
	decisions metric.Int64Counter
}

func newDecisionMetrics(scope string) decisionMetrics {
	meter := otel.Meter(scope)
	counter, _ := meter.Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate limiter admission decisions"),
		metric.WithUnit("{decision}"))
	return decisionMetrics{decisions: counter}
}

func (m decisionMetrics) record(ctx context.Context, class Class, res Result) {
	if m.decisions == nil {
		return
	}
	result := telemetry.ResultSuccess
	switch {
	case res.Degraded:
		result = telemetry.ResultDegraded
	case !res.Allowed:
		result = telemetry.ResultRateLimited
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		telemetry.LimitAttributes(telemetry.Environment(), string(class), result)...))
}
