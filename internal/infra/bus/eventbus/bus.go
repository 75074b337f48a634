// Package eventbus defines the tenant-scoped activity bus and its backends.
package eventbus

import (
	"context"
	"strings"

	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
)

const (
	// DefaultRetention bounds how many events the stream and database backends keep per tenant.
	DefaultRetention = 10000
	// DefaultMemoryRetention bounds the in-memory fallback per tenant.
	DefaultMemoryRetention = 1000
	// DefaultSubscriberBuffer sizes each local subscription channel.
	DefaultSubscriberBuffer = 256
	// DefaultFanoutWorkers caps concurrent deliveries per notification.
	DefaultFanoutWorkers = 4
)

// SubscriptionID uniquely identifies a local subscription.
type SubscriptionID string

// Kind names a backend implementation.
type Kind string

const (
	KindStream   Kind = "redis_stream"
	KindDatabase Kind = "postgres_realtime"
	KindMemory   Kind = "memory"
)

// Bus stores activity events per tenant and notifies local subscribers.
//
// Publish only persists; local subscribers are reached through Notify so that the
// caller decides when an event becomes visible to live connections. Backends that
// support cross-process delivery relay foreign events to Notify themselves.
type Bus interface {
	Publish(ctx context.Context, evt *activity.Event) error
	Notify(ctx context.Context, evt *activity.Event) int
	Subscribe(ctx context.Context, tenantID string, opts ...SubscribeOption) (SubscriptionID, <-chan *activity.Event, error)
	Unsubscribe(id SubscriptionID)
	// List returns up to limit of the tenant's most recent events, oldest first.
	// Backend failures yield an empty result rather than an error.
	List(ctx context.Context, tenantID string, limit int) ([]*activity.Event, error)
	Kind() Kind
	Ping(ctx context.Context) error
	Close()
}

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	buffer   int
	overflow func(*activity.Event)
}

// WithBuffer sizes the subscription channel. Values <= 0 keep the bus default.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithOverflow is called with every event the subscription loses to a full
// buffer. It runs on the notifying goroutine and must not block.
func WithOverflow(fn func(*activity.Event)) SubscribeOption {
	return func(o *subscribeOptions) { o.overflow = fn }
}

// Config sizes retention and local fan-out for every backend.
type Config struct {
	Retention        int
	MemoryRetention  int
	SubscriberBuffer int
	FanoutWorkers    int
}

func (c Config) normalize() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MemoryRetention <= 0 {
		c.MemoryRetention = DefaultMemoryRetention
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = DefaultFanoutWorkers
	}
	return c
}

// Description summarises the active backend for health reporting.
type Description struct {
	Kind            Kind     `json:"bus_type"`
	ProductionReady bool     `json:"production_ready"`
	Features        []string `json:"features"`
}

// Describe reports the capabilities of bus.
func Describe(bus Bus) Description {
	if bus == nil {
		return Description{Kind: "none", ProductionReady: false, Features: []string{}}
	}
	switch bus.Kind() {
	case KindStream:
		return Description{Kind: KindStream, ProductionReady: true,
			Features: []string{"persistence", "retention_trim", "cross_instance_relay", "local_fanout"}}
	case KindDatabase:
		return Description{Kind: KindDatabase, ProductionReady: true,
			Features: []string{"persistence", "retention_trim", "change_notifications", "local_fanout"}}
	default:
		return Description{Kind: bus.Kind(), ProductionReady: false,
			Features: []string{"local_fanout", "ttl_expiry"}}
	}
}

func validateEvent(component string, evt *activity.Event) error {
	if evt == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(evt.TenantID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("tenant id required"))
	}
	return nil
}

func validateTenant(component, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("tenant id required"))
	}
	return nil
}

func clampLimit(limit, retention int) int {
	if limit <= 0 {
		return 0
	}
	if limit > retention {
		return retention
	}
	return limit
}

// reverse flips newest-first reads into chronological order in place.
func reverse(events []*activity.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
