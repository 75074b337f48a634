package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/activitybus/internal/app/auth"
	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/domain/errs"
)

// latencySmoothing weights the newest sample in the moving average.
const latencySmoothing = 0.1

// ConnectionStats describes one live connection.
type ConnectionStats struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Subject      string     `json:"subject"`
	State        string     `json:"state"`
	ConnectedAt  time.Time  `json:"connected_at"`
	Sent         uint64     `json:"sent"`
	BytesSent    uint64     `json:"bytes_sent"`
	AvgLatencyMs float64    `json:"avg_latency_ms"`
	Queue        QueueStats `json:"queue"`
}

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// conn is one client session. Reads happen on a dedicated goroutine; every write and
// state decision happens on the goroutine running run, apart from enqueue.
type conn struct {
	id          string
	g           *Gateway
	ws          *websocket.Conn
	state       stateMachine
	queue       *Queue
	connectedAt time.Time

	tenant   string
	identity auth.Identity
	types    atomic.Pointer[map[string]struct{}]

	lastInbound atomic.Int64
	heartbeatAt time.Time
	malformed   int

	sent       atomic.Uint64
	bytesSent  atomic.Uint64
	latencyMu  sync.Mutex
	avgLatency float64
}

func newConn(g *Gateway, ws *websocket.Conn, id string) *conn {
	c := &conn{
		id:          id,
		g:           g,
		ws:          ws,
		queue:       NewQueue(g.cfg.Queue),
		connectedAt: g.now(),
	}
	c.touch()
	return c
}

func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := c.state.Transition(StateAwaitingAuth); err != nil {
		c.g.logger.Printf("%s: %v", c.id, err)
		return
	}
	// Reads outlive parent cancellation so shutdown can still send a close frame.
	readCtx, stopReads := context.WithCancel(context.Background())
	defer stopReads()
	frames := make(chan frame, 16)
	go c.readLoop(readCtx, frames)

	if !c.handshake(ctx, frames) {
		return
	}
	defer c.g.unregister(c)
	c.serve(ctx, frames)
}

func (c *conn) readLoop(ctx context.Context, frames chan<- frame) {
	for {
		typ, data, err := c.ws.Read(ctx)
		select {
		case frames <- frame{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handshake waits for the auth message and promotes the connection to READY.
func (c *conn) handshake(ctx context.Context, frames <-chan frame) bool {
	timer := time.NewTimer(c.g.cfg.AuthTimeout)
	defer timer.Stop()

	var f frame
	select {
	case <-ctx.Done():
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
		return false
	case <-timer.C:
		c.reject(ctx, CodeAuthTimeout, "authentication timed out", 0)
		return false
	case f = <-frames:
	}
	if f.err != nil {
		c.abandon(f.err)
		return false
	}
	c.touch()

	if f.typ != websocket.MessageText {
		c.reject(ctx, CodeBadAuthFormat, "auth message must be JSON text", 0)
		return false
	}
	var msg inbound
	if err := json.Unmarshal(f.data, &msg); err != nil {
		c.reject(ctx, CodeBadAuthFormat, "auth message must be JSON", 0)
		return false
	}
	if msg.Type != msgAuth {
		c.reject(ctx, CodeInvalidAuth, "first message must be auth", 0)
		return false
	}
	if len(msg.Token) < minTokenLength {
		c.reject(ctx, CodeInvalidToken, "token missing or malformed", 0)
		return false
	}
	if c.g.verifier == nil {
		c.reject(ctx, CodeAuthNotConfigured, "authentication not configured", 0)
		return false
	}

	id, err := c.g.verifier.Verify(ctx, msg.Token)
	if err != nil {
		code, text := authFailure(err)
		c.reject(ctx, code, text, 0)
		return false
	}
	tenant, err := id.ResolveTenant(msg.TenantID)
	if err != nil {
		code := CodeInvalidAuth
		if errs.IsCode(err, errs.CodeForbidden) {
			code = CodeTenantForbidden
		}
		c.reject(ctx, code, "tenant not accessible", 0)
		return false
	}
	if c.g.limiter != nil {
		if res := c.g.limiter.Allow(ctx, tenant, ratelimit.ClassConnect); !res.Allowed {
			retry := 1
			if e, ok := errs.As(res.Err("gateway", ratelimit.ClassConnect)); ok && e.RetryAfterSeconds() > 0 {
				retry = e.RetryAfterSeconds()
			}
			c.reject(ctx, CodeRateLimited, "connection rate limit exceeded", retry)
			return false
		}
	}

	c.identity = id
	c.tenant = tenant
	if err := c.state.Transition(StateAuthenticated); err != nil {
		c.closeWith(websocket.StatusInternalError, "state error")
		return false
	}
	if err := c.g.register(c); err != nil {
		c.g.logger.Printf("%s: register tenant %s: %v", c.id, tenant, err)
		c.reject(ctx, CodeUnavailable, "activity stream unavailable", 0)
		return false
	}
	if err := c.state.Transition(StateReady); err != nil {
		c.g.unregister(c)
		c.closeWith(websocket.StatusInternalError, "state error")
		return false
	}

	ready := readyMessage{
		Type:         msgReady,
		TenantID:     tenant,
		Timestamp:    unixSeconds(c.g.now()),
		Backend:      string(c.g.bus.Kind()),
		Capabilities: Capabilities,
	}
	if err := c.writeJSON(ctx, ready); err != nil {
		c.g.unregister(c)
		c.abandon(err)
		return false
	}
	c.g.logger.Printf("%s: ready tenant=%s subject=%s", c.id, tenant, id.Subject)
	return true
}

// authFailure maps a verifier error to a client error code.
func authFailure(err error) (string, string) {
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		return CodeAuthNotConfigured, "authentication not configured"
	case errors.Is(err, auth.ErrInvalidIssuer):
		return CodeInvalidIssuer, "token issuer not accepted"
	case errors.Is(err, auth.ErrInsufficientPrivileges):
		return CodeInsufficientPrivileges, "admin privileges required"
	default:
		return CodeInvalidToken, "token rejected"
	}
}

func (c *conn) serve(ctx context.Context, frames <-chan frame) {
	ticker := time.NewTicker(c.g.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			c.closeWith(websocket.StatusGoingAway, "server shutting down")
			return
		case f := <-frames:
			if f.err != nil {
				c.abandon(f.err)
				return
			}
			c.touch()
			if !c.handle(ctx, f) {
				return
			}
		case <-ticker.C:
			if !c.flush(ctx) {
				return
			}
			if !c.checkIdle(ctx) {
				return
			}
		}
	}
}

// handle processes one post-handshake message; it returns false once the connection closed.
func (c *conn) handle(ctx context.Context, f frame) bool {
	if f.typ != websocket.MessageText {
		return c.malformedMessage(ctx, CodeBadMessage, "binary frames are not supported")
	}
	var msg inbound
	if err := json.Unmarshal(f.data, &msg); err != nil {
		return c.malformedMessage(ctx, CodeBadMessage, "message must be a JSON object")
	}

	switch msg.Type {
	case msgPing:
		c.malformed = 0
		ts := msg.Timestamp
		if len(ts) == 0 {
			ts, _ = json.Marshal(unixSeconds(c.g.now()))
		}
		return c.reply(ctx, pongMessage{Type: msgPong, Timestamp: ts})
	case msgSubscribe:
		c.malformed = 0
		var types []string
		if msg.Filters != nil {
			types = msg.Filters.Types
		}
		c.setTypeFilter(types)
		channels := msg.Channels
		if len(channels) == 0 {
			channels = []string{"activities"}
		}
		return c.reply(ctx, subscribedMessage{Type: msgSubscribed, Channels: channels, Filters: filters{Types: types}})
	case msgPong, msgHeartbeat:
		c.malformed = 0
		return true
	case msgAuth:
		c.malformed = 0
		return c.reply(ctx, errorMessage{Type: msgError, Code: CodeBadMessage, Message: "already authenticated"})
	default:
		return c.malformedMessage(ctx, CodeUnknownMessage, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *conn) malformedMessage(ctx context.Context, code, text string) bool {
	c.malformed++
	if !c.reply(ctx, errorMessage{Type: msgError, Code: code, Message: text}) {
		return false
	}
	if c.malformed >= c.g.cfg.MaxMalformed {
		c.g.logger.Printf("%s: closing after %d malformed messages", c.id, c.malformed)
		c.closeWith(websocket.StatusPolicyViolation, "too many malformed messages")
		return false
	}
	return true
}

// reply writes a control message directly; a failed write ends the session.
func (c *conn) reply(ctx context.Context, v any) bool {
	if err := c.writeJSON(ctx, v); err != nil {
		c.abandon(err)
		return false
	}
	return true
}

// flush writes up to one batch of queued messages. It returns false once the
// connection closed because a message exhausted its send retries.
func (c *conn) flush(ctx context.Context) bool {
	c.g.metrics.queueDepth.Observe(float64(c.queue.Len()))
	batch := c.queue.PopBatch(c.g.cfg.FlushBatch)
	defer c.syncBackpressure()

	for i, msg := range batch {
		if err := c.write(ctx, msg.Payload); err != nil {
			c.queue.Restore(batch[i+1:])
			if c.queue.Requeue(msg, c.g.cfg.SendRetries) {
				return true
			}
			c.g.metrics.recordDrop(msg.Priority, "send_failed")
			c.g.logger.Printf("%s: send failed after %d attempts: %v", c.id, msg.Attempts(), err)
			c.closeWith(websocket.StatusInternalError, "send failed")
			return false
		}
		latency := c.g.now().Sub(msg.Enqueued)
		c.recordSent(len(msg.Payload), latency)
		c.g.metrics.recordSent(msg.Priority, latency)
	}
	return true
}

// checkIdle sends a heartbeat after a quiet period and closes the connection when the
// client stays silent through the grace period.
func (c *conn) checkIdle(ctx context.Context) bool {
	now := c.g.now()
	last := time.Unix(0, c.lastInbound.Load())
	if c.heartbeatAt.IsZero() || last.After(c.heartbeatAt) {
		c.heartbeatAt = time.Time{}
		if now.Sub(last) < c.g.cfg.IdleTimeout {
			return true
		}
		c.heartbeatAt = now
		return c.reply(ctx, heartbeatMessage{Type: msgHeartbeat, Timestamp: unixSeconds(now)})
	}
	if now.Sub(c.heartbeatAt) >= c.g.cfg.HeartbeatGrace {
		c.g.logger.Printf("%s: heartbeat timeout", c.id)
		c.closeWith(websocket.StatusGoingAway, "heartbeat timeout")
		return false
	}
	return true
}

// wants reports whether an event of eventType would be offered to the queue.
func (c *conn) wants(eventType string) bool {
	switch c.state.Current() {
	case StateReady, StateBackpressure:
	default:
		return false
	}
	if filter := c.types.Load(); filter != nil {
		if _, ok := (*filter)[eventType]; !ok {
			return false
		}
	}
	return true
}

// enqueue offers an encoded event to the queue. It runs on the tenant pump goroutine.
func (c *conn) enqueue(payload []byte, priority Priority, eventType string) {
	if !c.wants(eventType) {
		return
	}
	admission, evicted := c.queue.Offer(payload, priority, c.g.now())
	for _, ev := range evicted {
		c.g.metrics.recordDrop(ev.Priority, "evicted")
	}
	if admission != Admitted {
		c.g.metrics.recordDrop(priority, admission.String())
	}
	c.syncBackpressure()
}

// discard counts an event the tenant feed lost before the pump could enqueue it.
func (c *conn) discard(priority Priority, eventType string) {
	if !c.wants(eventType) {
		return
	}
	c.queue.Discard()
	c.g.metrics.recordDrop(priority, "feed_overflow")
}

func (c *conn) syncBackpressure() {
	if c.queue.Backpressured() {
		if c.state.TransitionFrom(StateReady, StateBackpressure) {
			c.g.metrics.backpressure.Inc()
			c.g.logger.Printf("%s: backpressure engaged queue=%d", c.id, c.queue.Len())
		}
		return
	}
	if c.state.TransitionFrom(StateBackpressure, StateReady) {
		c.g.logger.Printf("%s: backpressure released", c.id)
	}
}

func (c *conn) setTypeFilter(types []string) {
	if len(types) == 0 {
		c.types.Store(nil)
		return
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	c.types.Store(&set)
}

// reject sends an error message and closes with the status mapped from code.
func (c *conn) reject(ctx context.Context, code, text string, retryAfter int) {
	c.g.metrics.rejections.WithLabelValues(code).Inc()
	c.g.logger.Printf("%s: rejected code=%s: %s", c.id, code, text)
	msg := errorMessage{Type: msgError, Code: code, Message: text, RetryAfter: retryAfter}
	if err := c.writeJSON(ctx, msg); err != nil {
		c.abandon(err)
		return
	}
	c.closeWith(closeFor(code), text)
}

// closeWith runs the closing handshake once.
func (c *conn) closeWith(status websocket.StatusCode, reason string) {
	if c.state.Transition(StateClosing) != nil {
		return
	}
	_ = c.ws.Close(status, reason)
	_ = c.state.Transition(StateClosed)
}

// abandon tears down a connection whose transport already failed.
func (c *conn) abandon(err error) {
	if c.state.Transition(StateClosing) != nil {
		return
	}
	if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
		c.g.logger.Printf("%s: transport error: %v", c.id, err)
	}
	_ = c.ws.CloseNow()
	_ = c.state.Transition(StateClosed)
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *conn) write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.g.cfg.WriteTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *conn) touch() {
	c.lastInbound.Store(c.g.now().UnixNano())
}

func (c *conn) recordSent(bytes int, latency time.Duration) {
	c.sent.Add(1)
	c.bytesSent.Add(uint64(bytes))
	ms := float64(latency.Microseconds()) / 1000
	c.latencyMu.Lock()
	if c.avgLatency == 0 {
		c.avgLatency = ms
	} else {
		c.avgLatency = (1-latencySmoothing)*c.avgLatency + latencySmoothing*ms
	}
	c.latencyMu.Unlock()
}

func (c *conn) stats() ConnectionStats {
	c.latencyMu.Lock()
	avg := c.avgLatency
	c.latencyMu.Unlock()
	return ConnectionStats{
		ID:           c.id,
		TenantID:     c.tenant,
		Subject:      c.identity.Subject,
		State:        c.state.Current().String(),
		ConnectedAt:  c.connectedAt,
		Sent:         c.sent.Load(),
		BytesSent:    c.bytesSent.Load(),
		AvgLatencyMs: avg,
		Queue:        c.queue.Stats(),
	}
}
