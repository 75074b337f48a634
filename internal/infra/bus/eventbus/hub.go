package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

// hub is the process-local subscription registry shared by every backend.
type hub struct {
	kind       Kind
	bufferSize int
	workers    int
	logger     *log.Logger
	metrics    *busMetrics

	mu          sync.RWMutex
	subscribers map[string]map[SubscriptionID]*subscriber
	byID        map[SubscriptionID]string
	nextID      uint64
	closed      bool

	// overflow logging is summarised rather than per event
	dropLog     rate.Sometimes
	dropsUnseen atomic.Int64
}

type subscriber struct {
	tenant   string
	ctx      context.Context
	cancel   context.CancelFunc
	overflow func(*activity.Event)

	mu     sync.Mutex
	ch     chan *activity.Event
	closed bool
}

func newHub(kind Kind, cfg Config, logger *log.Logger, metrics *busMetrics) *hub {
	return &hub{
		kind:        kind,
		bufferSize:  cfg.SubscriberBuffer,
		workers:     cfg.FanoutWorkers,
		logger:      logger,
		metrics:     metrics,
		mu:          sync.RWMutex{},
		subscribers: make(map[string]map[SubscriptionID]*subscriber),
		byID:        make(map[SubscriptionID]string),
		dropLog:     rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

func (h *hub) subscribe(ctx context.Context, tenantID string, opts ...SubscribeOption) (SubscriptionID, <-chan *activity.Event, error) {
	component := string(h.kind) + "/subscribe"
	if err := validateTenant(component, tenantID); err != nil {
		return "", nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o := subscribeOptions{buffer: h.bufferSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		tenant:   tenantID,
		ctx:      ctx,
		cancel:   cancel,
		overflow: o.overflow,
		ch:       make(chan *activity.Event, o.buffer),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&h.nextID, 1)))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return "", nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if _, ok := h.subscribers[tenantID]; !ok {
		h.subscribers[tenantID] = make(map[SubscriptionID]*subscriber)
	}
	h.subscribers[tenantID][id] = sub
	h.byID[id] = tenantID
	h.mu.Unlock()

	h.metrics.subscriberDelta(ctx, h.kind, 1)
	go h.observe(id, sub)
	return id, sub.ch, nil
}

// observe drops the subscription once its context ends.
func (h *hub) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	h.unsubscribe(id)
}

func (h *hub) unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	h.mu.Lock()
	tenant, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byID, id)
	subs := h.subscribers[tenant]
	sub := subs[id]
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subscribers, tenant)
	}
	h.mu.Unlock()

	if sub != nil {
		h.metrics.subscriberDelta(context.Background(), h.kind, -1)
		sub.close()
	}
}

// notify delivers evt to every local subscriber of its tenant and returns how many were reached.
func (h *hub) notify(ctx context.Context, evt *activity.Event) int {
	if evt == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.RLock()
	subMap := h.subscribers[evt.TenantID]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.metrics.recordFanout(ctx, h.kind, len(subs))
	if len(subs) == 0 {
		return 0
	}

	var delivered atomic.Int64
	if len(subs) == 1 {
		if subs[0].deliver(evt, h) {
			delivered.Add(1)
		}
		return int(delivered.Load())
	}

	p := concpool.New().WithMaxGoroutines(h.workers)
	for _, sub := range subs {
		p.Go(func() {
			if sub.deliver(evt, h) {
				delivered.Add(1)
			}
		})
	}
	p.Wait()
	return int(delivered.Load())
}

func (h *hub) count(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.byID))
	for tenant, m := range h.subscribers {
		for _, sub := range m {
			subs = append(subs, sub)
		}
		delete(h.subscribers, tenant)
	}
	h.byID = make(map[SubscriptionID]string)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// deliver hands evt to the subscriber without blocking. A full buffer loses its
// oldest event, which is reported to the overflow callback after the lock is released.
func (s *subscriber) deliver(evt *activity.Event, h *hub) bool {
	lost, ok := s.offer(evt)
	if lost == nil {
		return ok
	}
	h.recordOverflow(s.tenant, lost)
	if s.overflow != nil {
		s.overflow(lost)
	}
	return ok
}

func (s *subscriber) offer(evt *activity.Event) (*activity.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	select {
	case s.ch <- evt:
		return nil, true
	default:
	}

	var lost *activity.Event
	select {
	case lost = <-s.ch:
	default:
	}
	// only holders of s.mu send, so there is room now
	s.ch <- evt
	return lost, true
}

func (h *hub) recordOverflow(tenant string, lost *activity.Event) {
	h.metrics.recordDropped(context.Background(), h.kind, tenant)
	h.dropsUnseen.Add(1)
	h.dropLog.Do(func() {
		h.logger.Printf("subscriber buffers full; dropped %d event(s), latest tenant=%s type=%s",
			h.dropsUnseen.Swap(0), tenant, lost.Type)
	})
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}

// busMetrics groups the otel instruments every backend records.
type busMetrics struct {
	published       metric.Int64Counter
	publishDuration metric.Float64Histogram
	listFailures    metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	fanout          metric.Int64Histogram
	dropped         metric.Int64Counter
	relayed         metric.Int64Counter
}

func newBusMetrics(meter metric.Meter) *busMetrics {
	m := new(busMetrics)
	m.published, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events persisted by the bus"),
		metric.WithUnit("{event}"))
	m.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of backend publish operations"),
		metric.WithUnit("ms"))
	m.listFailures, _ = meter.Int64Counter("eventbus.list.failures",
		metric.WithDescription("List calls degraded to an empty result"),
		metric.WithUnit("{call}"))
	m.subscribers, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active local subscribers"),
		metric.WithUnit("{subscriber}"))
	m.fanout, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per notification"),
		metric.WithUnit("{subscriber}"))
	m.dropped, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Events dropped because a subscriber buffer was full"),
		metric.WithUnit("{event}"))
	m.relayed, _ = meter.Int64Counter("eventbus.events.relayed",
		metric.WithDescription("Events received from other instances"),
		metric.WithUnit("{event}"))
	return m
}

func (m *busMetrics) recordPublish(ctx context.Context, kind Kind, evt *activity.Event, ms float64, result string) {
	if m == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), string(kind), "publish", result)
	if m.publishDuration != nil {
		m.publishDuration.Record(ctx, ms, metric.WithAttributes(attrs...))
	}
	if result == telemetry.ResultSuccess && m.published != nil {
		m.published.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(kind), evt.TenantID, evt.Type)...))
	}
}

func (m *busMetrics) recordListFailure(ctx context.Context, kind Kind) {
	if m == nil || m.listFailures == nil {
		return
	}
	m.listFailures.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), string(kind), "list", telemetry.ResultError)...))
}

func (m *busMetrics) subscriberDelta(ctx context.Context, kind Kind, delta int64) {
	if m == nil || m.subscribers == nil {
		return
	}
	m.subscribers.Add(ctx, delta, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(kind), "", "")...))
}

func (m *busMetrics) recordFanout(ctx context.Context, kind Kind, n int) {
	if m == nil || m.fanout == nil {
		return
	}
	m.fanout.Record(ctx, int64(n), metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(kind), "", "")...))
}

func (m *busMetrics) recordDropped(ctx context.Context, kind Kind, tenant string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(kind), tenant, "")...))
}

func (m *busMetrics) recordRelayed(ctx context.Context, kind Kind) {
	if m == nil || m.relayed == nil {
		return
	}
	m.relayed.Add(ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(kind), "", "")...))
}
