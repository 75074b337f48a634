package eventbus

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

// MemoryOption configures the in-memory bus.
type MemoryOption func(*MemoryBus)

// WithMemoryLogger overrides the default logger used by the memory bus.
func WithMemoryLogger(logger *log.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMemoryClock overrides the clock used for TTL expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBus) {
		if now != nil {
			b.now = now
		}
	}
}

// MemoryBus keeps a bounded per-tenant ring of events in process memory. It offers no
// cross-process durability and is meant for development and single-instance use.
type MemoryBus struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	hub    *hub

	metrics *busMetrics

	mu      sync.RWMutex
	streams map[string]*ring
	closed  bool
}

// ring is a fixed-capacity circular buffer guarded by its own mutex.
type ring struct {
	mu     sync.Mutex
	events []*activity.Event
	start  int
	size   int
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg Config, opts ...MemoryOption) *MemoryBus {
	cfg = cfg.normalize()
	b := &MemoryBus{
		cfg:     cfg,
		logger:  log.New(os.Stdout, "eventbus/memory ", log.LstdFlags|log.Lmicroseconds),
		now:     time.Now,
		metrics: newBusMetrics(otel.Meter("eventbus")),
		streams: make(map[string]*ring),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.hub = newHub(KindMemory, cfg, b.logger, b.metrics)
	return b
}

// Publish appends the event to the tenant's ring, overwriting the oldest entry when full.
func (b *MemoryBus) Publish(ctx context.Context, evt *activity.Event) error {
	if err := validateEvent("memory/publish", evt); err != nil {
		return err
	}
	start := time.Now()

	r, err := b.stream(evt.TenantID)
	if err != nil {
		b.metrics.recordPublish(ctx, KindMemory, evt, msSince(start), telemetry.ResultError)
		return err
	}
	r.push(evt, b.now())
	b.metrics.recordPublish(ctx, KindMemory, evt, msSince(start), telemetry.ResultSuccess)
	return nil
}

// Notify delivers evt to local subscribers of its tenant.
func (b *MemoryBus) Notify(ctx context.Context, evt *activity.Event) int {
	return b.hub.notify(ctx, evt)
}

// Subscribe registers a local subscription for the tenant.
func (b *MemoryBus) Subscribe(ctx context.Context, tenantID string, opts ...SubscribeOption) (SubscriptionID, <-chan *activity.Event, error) {
	return b.hub.subscribe(ctx, tenantID, opts...)
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.hub.unsubscribe(id)
}

// List returns up to limit unexpired events for the tenant, oldest first.
func (b *MemoryBus) List(_ context.Context, tenantID string, limit int) ([]*activity.Event, error) {
	if err := validateTenant("memory/list", tenantID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, b.cfg.MemoryRetention)
	b.mu.RLock()
	r := b.streams[tenantID]
	b.mu.RUnlock()
	if r == nil || limit == 0 {
		return []*activity.Event{}, nil
	}
	return r.latest(limit, b.now()), nil
}

// Kind reports KindMemory.
func (b *MemoryBus) Kind() Kind { return KindMemory }

// Ping always succeeds while the bus is open.
func (b *MemoryBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errs.New("memory/ping", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	return nil
}

// Close releases subscribers and drops stored events.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.streams = make(map[string]*ring)
	b.mu.Unlock()
	b.hub.close()
}

// SubscriberCount reports the number of local subscribers for tenantID.
func (b *MemoryBus) SubscriberCount(tenantID string) int {
	return b.hub.count(tenantID)
}

func (b *MemoryBus) stream(tenantID string) (*ring, error) {
	b.mu.RLock()
	r, ok := b.streams[tenantID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, errs.New("memory/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ok {
		return r, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New("memory/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if r, ok = b.streams[tenantID]; ok {
		return r, nil
	}
	r = &ring{events: make([]*activity.Event, b.cfg.MemoryRetention)}
	b.streams[tenantID] = r
	return r, nil
}

func (r *ring) push(evt *activity.Event, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(now)
	capacity := len(r.events)
	if r.size < capacity {
		r.events[(r.start+r.size)%capacity] = evt
		r.size++
		return
	}
	r.events[r.start] = evt
	r.start = (r.start + 1) % capacity
}

// expire drops expired events from the head; events are stored in publish order.
func (r *ring) expire(now time.Time) {
	capacity := len(r.events)
	for r.size > 0 {
		head := r.events[r.start]
		if head != nil && !head.Expired(now) {
			return
		}
		r.events[r.start] = nil
		r.start = (r.start + 1) % capacity
		r.size--
	}
}

func (r *ring) latest(limit int, now time.Time) []*activity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(now)
	if limit > r.size {
		limit = r.size
	}
	capacity := len(r.events)
	out := make([]*activity.Event, 0, limit)
	for i := r.size - limit; i < r.size; i++ {
		out = append(out, r.events[(r.start+i)%capacity])
	}
	return out
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

var _ Bus = (*MemoryBus)(nil)
