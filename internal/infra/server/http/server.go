// Package httpserver exposes the activity bus control plane over HTTP.
package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/activitybus/internal/app/auth"
	"github.com/coachpo/activitybus/internal/app/gateway"
	"github.com/coachpo/activitybus/internal/app/publish"
	"github.com/coachpo/activitybus/internal/app/ratelimit"
	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/bus/eventbus"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	activitiesPath  = "/activities"
	summaryPath     = activitiesPath + "/summary"
	connectionsPath = "/connections"
	healthPath      = "/health"
	metricsPath     = "/metrics"
	streamPath      = "/ws"

	// DefaultListLimit applies when the caller omits limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single page.
	MaxListLimit = 1000

	healthPingTimeout = 2 * time.Second
	component         = "http"
)

// Publisher is the write path used by POST /activities.
type Publisher interface {
	PublishActivity(ctx context.Context, req publish.Request) (*activity.Event, error)
}

// ConnectionSource reports live gateway connections.
type ConnectionSource interface {
	Stats() gateway.Stats
	Connections() []gateway.ConnectionStats
}

// Options wires the control plane.
type Options struct {
	Environment string
	Bus         eventbus.Bus
	Publisher   Publisher
	Connections ConnectionSource
	// Stream serves WebSocket upgrades on /ws when set.
	Stream   http.Handler
	Verifier auth.Verifier
	Limiter  ratelimit.Limiter
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
	Now      func() time.Time
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type identityHandler func(http.ResponseWriter, *http.Request, auth.Identity)

type httpServer struct {
	environment string
	bus         eventbus.Bus
	publisher   Publisher
	connections ConnectionSource
	verifier    auth.Verifier
	limiter     ratelimit.Limiter
	logger      *log.Logger
	now         func() time.Time
}

// NewHandler builds the control-plane router.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		environment: opts.Environment,
		bus:         opts.Bus,
		publisher:   opts.Publisher,
		connections: opts.Connections,
		verifier:    opts.Verifier,
		limiter:     opts.Limiter,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if server.logger == nil {
		server.logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	if server.now == nil {
		server.now = time.Now
	}

	mux := http.NewServeMux()
	mux.Handle(activitiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.authenticated(server.listActivities),
		http.MethodPost: server.authenticated(server.createActivity),
	}))
	mux.Handle(summaryPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.authenticated(server.summarizeActivities),
	}))
	mux.Handle(connectionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.authenticated(server.listConnections),
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	if opts.Gatherer != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Stream != nil {
		mux.Handle(streamPath, opts.Stream)
	}
	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// authenticated verifies the bearer token before calling next.
func (s *httpServer) authenticated(next identityHandler) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			writeErr(w, errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("authentication not configured"), errs.WithCause(auth.ErrNotConfigured)))
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeErr(w, errs.New(component, errs.CodeAuth, errs.WithMessage("bearer token required")))
			return
		}
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeErr(w, err)
			return
		}
		next(w, r.WithContext(auth.WithIdentity(r.Context(), id)), id)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// allow applies a rate-limit class and writes the rejection when denied.
func (s *httpServer) allow(w http.ResponseWriter, r *http.Request, tenant string, class ratelimit.Class) bool {
	if s.limiter == nil {
		return true
	}
	res := s.limiter.Allow(r.Context(), tenant, class)
	if res.Allowed {
		return true
	}
	writeErr(w, res.Err(component, class))
	return false
}

type activityList struct {
	Activities []*activity.Event `json:"activities"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
}

func (s *httpServer) listActivities(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	query := r.URL.Query()
	tenant, err := id.ResolveTenant(query.Get("tenant_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !s.allow(w, r, tenant, ratelimit.ClassBulkRead) {
		return
	}
	if s.bus == nil {
		writeErr(w, errs.New(component, errs.CodeUnavailable, errs.WithMessage("event bus not configured")))
		return
	}

	events, err := s.bus.List(r.Context(), tenant, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []*activity.Event{}
	}
	writeJSON(w, http.StatusOK, activityList{Activities: events, Total: len(events), Page: 1, PerPage: limit})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithField("limit", "must be a positive integer"))
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, nil
}

type createActivityPayload struct {
	Type     string          `json:"type"`
	Details  json.RawMessage `json:"details"`
	TenantID string          `json:"tenant_id"`
	Severity string          `json:"severity"`
	TTL      int             `json:"ttl"`
}

func (s *httpServer) createActivity(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var payload createActivityPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeErr(w, err)
		return
	}
	tenant, err := id.ResolveTenant(payload.TenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.publisher == nil {
		writeErr(w, errs.New(component, errs.CodeUnavailable, errs.WithMessage("publisher not configured")))
		return
	}
	if payload.TTL < 0 {
		writeErr(w, errs.New(component, errs.CodeInvalid, errs.WithField("ttl", "must be >= 0")))
		return
	}

	evt, err := s.publisher.PublishActivity(r.Context(), publish.Request{
		Type:     payload.Type,
		TenantID: tenant,
		Details:  payload.Details,
		Severity: activity.Severity(strings.ToLower(strings.TrimSpace(payload.Severity))),
		TTL:      time.Duration(payload.TTL) * time.Second,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

type activitySummary struct {
	TenantID string         `json:"tenant_id"`
	Total    int            `json:"total"`
	ByType   map[string]int `json:"by_type"`
	LastHour int            `json:"last_hour"`
	Oldest   *time.Time     `json:"oldest,omitempty"`
	Newest   *time.Time     `json:"newest,omitempty"`
}

func (s *httpServer) summarizeActivities(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	tenant, err := id.ResolveTenant(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !s.allow(w, r, tenant, ratelimit.ClassBulkRead) {
		return
	}
	if s.bus == nil {
		writeErr(w, errs.New(component, errs.CodeUnavailable, errs.WithMessage("event bus not configured")))
		return
	}

	events, err := s.bus.List(r.Context(), tenant, eventbus.DefaultRetention)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(tenant, events, s.now()))
}

func summarize(tenant string, events []*activity.Event, now time.Time) activitySummary {
	out := activitySummary{TenantID: tenant, Total: len(events), ByType: make(map[string]int)}
	cutoff := now.Add(-time.Hour)
	for _, evt := range events {
		out.ByType[evt.Type]++
		if !evt.Timestamp.Before(cutoff) {
			out.LastHour++
		}
	}
	if len(events) > 0 {
		oldest := events[0].Timestamp
		newest := events[len(events)-1].Timestamp
		out.Oldest, out.Newest = &oldest, &newest
	}
	return out
}

type connectionList struct {
	TenantID     string                    `json:"tenant_id"`
	Connections  []gateway.ConnectionStats `json:"connections"`
	Sent         uint64                    `json:"sent"`
	Queued       uint64                    `json:"queued"`
	Dropped      uint64                    `json:"dropped"`
	BytesSent    uint64                    `json:"bytes_sent"`
	Backpressure uint64                    `json:"backpressure_events"`
}

func (s *httpServer) listConnections(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	tenant, err := id.ResolveTenant(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := connectionList{TenantID: tenant, Connections: []gateway.ConnectionStats{}}
	if s.connections != nil {
		for _, c := range s.connections.Connections() {
			if c.TenantID != tenant {
				continue
			}
			out.Connections = append(out.Connections, c)
			out.Sent += c.Sent
			out.Queued += c.Queue.Queued
			out.Dropped += c.Queue.Dropped
			out.BytesSent += c.BytesSent
			out.Backpressure += c.Queue.BackpressureEvents
		}
	}
	sort.Slice(out.Connections, func(i, j int) bool {
		return out.Connections[i].ConnectedAt.Before(out.Connections[j].ConnectedAt)
	})
	writeJSON(w, http.StatusOK, out)
}

type healthReport struct {
	Status           string               `json:"status"`
	Environment      string               `json:"environment,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	Bus              eventbus.Description `json:"bus"`
	BackendReachable bool                 `json:"backend_reachable"`
	Connections      gateway.Stats        `json:"connections"`
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:      "ok",
		Environment: s.environment,
		Timestamp:   s.now().UTC(),
		Bus:         eventbus.Describe(s.bus),
	}
	if s.connections != nil {
		report.Connections = s.connections.Stats()
	}

	status := http.StatusOK
	if s.bus != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		err := s.bus.Ping(ctx)
		cancel()
		report.BackendReachable = err == nil
		if err != nil {
			s.logger.Printf("health: bus ping failed: %v", err)
		}
	}
	if !report.BackendReachable {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.New(component, errs.CodeInvalid, errs.WithHTTP(http.StatusRequestEntityTooLarge),
				errs.WithMessage("request body too large"))
		}
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid JSON payload"), errs.WithCause(err))
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
