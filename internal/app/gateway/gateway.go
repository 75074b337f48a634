// Package gateway serves authenticated, tenant-scoped activity streams over WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/activitybus/internal/app/auth"
	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/bus/eventbus"
)

const (
	DefaultAuthTimeout    = 10 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultHeartbeatGrace = 10 * time.Second
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultWriteTimeout   = 5 * time.Second
	DefaultFlushBatch     = 10
	DefaultSendRetries    = 3
	DefaultMaxMalformed   = 5
	DefaultReadLimit      = 64 * 1024
)

// ErrClosed is returned once Shutdown has started.
var ErrClosed = errors.New("gateway closed")

// Config tunes connection handling.
type Config struct {
	AuthTimeout    time.Duration `yaml:"authTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	HeartbeatGrace time.Duration `yaml:"heartbeatGrace"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	FlushBatch     int           `yaml:"flushBatch"`
	SendRetries    int           `yaml:"sendRetries"`
	MaxMalformed   int           `yaml:"maxMalformed"`
	ReadLimit      int64         `yaml:"readLimit"`
	OriginPatterns []string      `yaml:"originPatterns"`
	Queue          QueueConfig   `yaml:"queue"`
}

// DefaultConfig returns the stock connection settings.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:    DefaultAuthTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		HeartbeatGrace: DefaultHeartbeatGrace,
		FlushInterval:  DefaultFlushInterval,
		WriteTimeout:   DefaultWriteTimeout,
		FlushBatch:     DefaultFlushBatch,
		SendRetries:    DefaultSendRetries,
		MaxMalformed:   DefaultMaxMalformed,
		ReadLimit:      DefaultReadLimit,
		Queue:          DefaultQueueConfig(),
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = def.HeartbeatGrace
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = def.FlushBatch
	}
	if c.SendRetries <= 0 {
		c.SendRetries = def.SendRetries
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = def.MaxMalformed
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	c.Queue = c.Queue.normalize()
	return c
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRegisterer registers the gateway's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.registerer = reg
	}
}

// WithClock overrides the clock used for timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// tenantFeed is one bus subscription shared by every connection of a tenant.
type tenantFeed struct {
	subID eventbus.SubscriptionID
	conns map[*conn]struct{}
}

// Gateway accepts WebSocket connections and streams each tenant's events to them.
type Gateway struct {
	cfg        Config
	bus        eventbus.Bus
	verifier   auth.Verifier
	limiter    ratelimit.Limiter
	logger     *log.Logger
	registerer prometheus.Registerer
	metrics    *gatewayMetrics
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	pumps  conc.WaitGroup
	active sync.WaitGroup
	nextID atomic.Uint64

	mu      sync.Mutex
	closed  bool
	tenants map[string]*tenantFeed
	conns   map[*conn]struct{}
}

// New builds a gateway. A nil verifier rejects every connection with AUTH_NOT_CONFIGURED;
// a nil limiter admits every connection.
func New(bus eventbus.Bus, verifier auth.Verifier, limiter ratelimit.Limiter, cfg Config, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg.normalize(),
		bus:      bus,
		verifier: verifier,
		limiter:  limiter,
		logger:   log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmicroseconds),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tenants:  make(map[string]*tenantFeed),
		conns:    make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.metrics = newGatewayMetrics(g.registerer)
	return g
}

// Config returns the normalized settings.
func (g *Gateway) Config() Config { return g.cfg }

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}
	g.active.Add(1)
	g.mu.Unlock()
	defer g.active.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns})
	if err != nil {
		g.logger.Printf("accept %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(g.cfg.ReadLimit)

	c := newConn(g, ws, fmt.Sprintf("conn-%d", g.nextID.Add(1)))
	c.run(g.ctx)
}

// register attaches c to its tenant feed, subscribing to the bus on first use.
func (g *Gateway) register(c *conn) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	feed, ok := g.tenants[c.tenant]
	if !ok {
		tenant := c.tenant
		id, ch, err := g.bus.Subscribe(g.ctx, tenant,
			eventbus.WithBuffer(g.cfg.Queue.Capacity),
			eventbus.WithOverflow(func(evt *activity.Event) { g.overflow(tenant, evt) }))
		if err != nil {
			return err
		}
		feed = &tenantFeed{subID: id, conns: make(map[*conn]struct{})}
		g.tenants[tenant] = feed
		g.pumps.Go(func() { g.pump(tenant, ch) })
	}
	feed.conns[c] = struct{}{}
	g.conns[c] = struct{}{}
	g.metrics.connections.Inc()
	return nil
}

// unregister detaches c and drops the tenant subscription with its last connection.
func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	if _, ok := g.conns[c]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c)
	g.metrics.connections.Dec()
	var drop eventbus.SubscriptionID
	if feed, ok := g.tenants[c.tenant]; ok {
		delete(feed.conns, c)
		if len(feed.conns) == 0 {
			delete(g.tenants, c.tenant)
			drop = feed.subID
		}
	}
	g.mu.Unlock()

	if drop != "" {
		g.bus.Unsubscribe(drop)
	}
}

// pump forwards one tenant's events to its connections until the subscription ends.
func (g *Gateway) pump(tenant string, events <-chan *activity.Event) {
	for evt := range events {
		g.deliver(tenant, evt)
	}
}

func (g *Gateway) deliver(tenant string, evt *activity.Event) {
	if evt == nil || evt.TenantID != tenant {
		return
	}
	now := g.now()
	if evt.Expired(now) {
		return
	}

	targets := g.tenantConns(tenant)
	if len(targets) == 0 {
		return
	}

	payload, err := encodeActivity(evt, now)
	if err != nil {
		g.logger.Printf("encode activity %s: %v", evt.ID, err)
		return
	}
	priority := priorityFor(evt)
	for _, c := range targets {
		c.enqueue(payload, priority, evt.Type)
	}
}

// overflow charges an event the tenant subscription lost to every connection that
// would have received it.
func (g *Gateway) overflow(tenant string, evt *activity.Event) {
	if evt == nil || evt.Expired(g.now()) {
		return
	}
	priority := priorityFor(evt)
	for _, c := range g.tenantConns(tenant) {
		c.discard(priority, evt.Type)
	}
}

func (g *Gateway) tenantConns(tenant string) []*conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	feed := g.tenants[tenant]
	if feed == nil {
		return nil
	}
	out := make([]*conn, 0, len(feed.conns))
	for c := range feed.conns {
		out = append(out, c)
	}
	return out
}

// ActiveConnections counts authenticated connections.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Stats aggregates delivery counters across live connections.
type Stats struct {
	ActiveConnections  int     `json:"active_connections"`
	Tenants            int     `json:"tenants"`
	MessagesSent       uint64  `json:"messages_sent"`
	MessagesQueued     uint64  `json:"messages_queued"`
	MessagesDropped    uint64  `json:"messages_dropped"`
	BytesSent          uint64  `json:"bytes_sent"`
	BackpressureEvents uint64  `json:"backpressure_events"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
}

// Stats returns aggregate counters for health reporting.
func (g *Gateway) Stats() Stats {
	conns := g.Connections()
	g.mu.Lock()
	out := Stats{ActiveConnections: len(conns), Tenants: len(g.tenants)}
	g.mu.Unlock()

	var latencySum float64
	for _, c := range conns {
		out.MessagesSent += c.Sent
		out.MessagesQueued += c.Queue.Queued
		out.MessagesDropped += c.Queue.Dropped
		out.BytesSent += c.BytesSent
		out.BackpressureEvents += c.Queue.BackpressureEvents
		latencySum += c.AvgLatencyMs
	}
	if len(conns) > 0 {
		out.AvgLatencyMs = latencySum / float64(len(conns))
	}
	return out
}

// Connections returns a snapshot of every authenticated connection.
func (g *Gateway) Connections() []ConnectionStats {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	out := make([]ConnectionStats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.stats())
	}
	return out
}

// Shutdown closes every connection with a going-away status and waits for them to
// finish or for ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		g.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.New("gateway", errs.CodeUnavailable,
			errs.WithMessage("shutdown timed out"), errs.WithCause(ctx.Err()))
	}
}
