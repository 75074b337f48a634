// Package publish implements the single write path for activity events.
package publish

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/bus/eventbus"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

const (
	// DefaultMaxRetries is the number of retries after the first failed backend write.
	DefaultMaxRetries = 3
	// DefaultInitialDelay is the wait before the first retry; each retry doubles it.
	DefaultInitialDelay = time.Second

	component = "publish"
)

// Request is the caller input for PublishActivity.
type Request struct {
	Type     string
	TenantID string
	Details  json.RawMessage
	Severity activity.Severity
	TTL      time.Duration
}

// Option configures the Service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep overrides how the service waits between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithRetryPolicy overrides the retry count and the first retry delay.
func WithRetryPolicy(maxRetries int, initialDelay time.Duration) Option {
	return func(s *Service) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if initialDelay > 0 {
			s.initialDelay = initialDelay
		}
	}
}

// Service validates, rate limits, persists and announces activity events.
type Service struct {
	bus          eventbus.Bus
	limiter      ratelimit.Limiter
	logger       *log.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	maxRetries   int
	initialDelay time.Duration

	duration metric.Float64Histogram
	outcomes metric.Int64Counter
	retries  metric.Int64Counter
}

// NewService wires the publish path. A nil limiter admits every request.
func NewService(bus eventbus.Bus, limiter ratelimit.Limiter, opts ...Option) *Service {
	s := &Service{
		bus:          bus,
		limiter:      limiter,
		logger:       log.New(os.Stdout, "publish ", log.LstdFlags|log.Lmicroseconds),
		now:          time.Now,
		sleep:        sleepContext,
		maxRetries:   DefaultMaxRetries,
		initialDelay: DefaultInitialDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	meter := otel.Meter("publish")
	s.duration, _ = meter.Float64Histogram("publish.duration",
		metric.WithDescription("Time from publish request to backend acknowledgement"),
		metric.WithUnit("ms"))
	s.outcomes, _ = meter.Int64Counter("publish.requests",
		metric.WithDescription("Publish requests by outcome"),
		metric.WithUnit("{request}"))
	s.retries, _ = meter.Int64Counter("publish.retries",
		metric.WithDescription("Backend publish retries"),
		metric.WithUnit("{retry}"))
	return s
}

// Bus exposes the backend the service writes to.
func (s *Service) Bus() eventbus.Bus { return s.bus }

// PublishActivity validates the request, applies the publish rate limit, writes the event
// to the bus with bounded retries and then notifies local subscribers. The returned event
// is the stored record.
func (s *Service) PublishActivity(ctx context.Context, req Request) (*activity.Event, error) {
	start := time.Now()

	evt, err := activity.New(activity.Draft{
		TenantID: req.TenantID,
		Type:     req.Type,
		Severity: req.Severity,
		Details:  req.Details,
		TTL:      req.TTL,
	}, s.now())
	if err != nil {
		s.recordOutcome(ctx, req.TenantID, req.Type, telemetry.ResultInvalid)
		return nil, invalidRequest(err)
	}

	if s.limiter != nil {
		res := s.limiter.Allow(ctx, evt.TenantID, ratelimit.ClassPublish)
		if !res.Allowed {
			s.recordOutcome(ctx, evt.TenantID, evt.Type, telemetry.ResultRateLimited)
			return nil, res.Err(component, ratelimit.ClassPublish)
		}
	}

	if err := s.publishWithRetry(ctx, evt); err != nil {
		s.recordOutcome(ctx, evt.TenantID, evt.Type, telemetry.ResultError)
		return nil, err
	}
	s.recordDuration(ctx, evt, start)
	s.recordOutcome(ctx, evt.TenantID, evt.Type, telemetry.ResultSuccess)

	s.bus.Notify(ctx, evt)
	return evt, nil
}

func (s *Service) publishWithRetry(ctx context.Context, evt *activity.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = s.initialDelay << s.maxRetries
	policy.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = s.bus.Publish(ctx, evt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt >= s.maxRetries {
			break
		}
		delay := policy.NextBackOff()
		s.logger.Printf("publish attempt %d failed, retrying in %s: tenant=%s type=%s err=%v",
			attempt+1, delay, evt.TenantID, evt.Type, lastErr)
		s.retries.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(s.bus.Kind()), evt.TenantID, evt.Type)...))
		if err := s.sleep(ctx, delay); err != nil {
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("publish cancelled while retrying"), errs.WithCause(err))
		}
	}

	s.logger.Printf("publish failed after %d attempts: tenant=%s type=%s err=%v",
		s.maxRetries+1, evt.TenantID, evt.Type, lastErr)
	return errs.New(component, errs.CodeUnavailable,
		errs.WithMessage("event bus unavailable"), errs.WithCause(lastErr))
}

// retryable reports whether a backend error is worth another attempt. Rejections of the
// event itself are returned as is.
func retryable(err error) bool {
	e, ok := errs.As(err)
	if !ok {
		return true
	}
	return e.Code != errs.CodeInvalid
}

func invalidRequest(err error) error {
	opts := []errs.Option{errs.WithMessage("invalid activity")}
	var fe activity.FieldErrors
	if errors.As(err, &fe) {
		opts = append(opts, errs.WithFields(fe.Map()))
	}
	opts = append(opts, errs.WithCause(err))
	return errs.New(component, errs.CodeInvalid, opts...)
}

func (s *Service) recordDuration(ctx context.Context, evt *activity.Event, start time.Time) {
	if s.duration == nil {
		return
	}
	ms := float64(time.Since(start).Microseconds()) / 1000
	s.duration.Record(ctx, ms, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(s.bus.Kind()), evt.TenantID, evt.Type)...))
}

func (s *Service) recordOutcome(ctx context.Context, tenant, eventType, result string) {
	if s.outcomes == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(s.bus.Kind()), tenant, eventType)
	attrs = append(attrs, telemetry.AttrResult.String(result))
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
