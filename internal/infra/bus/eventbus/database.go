package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

const (
	DefaultNotifyChannel    = "activity_events"
	maxListenReconnectDelay = 30 * time.Second
)

const (
	lockTenantSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	insertEventSQL = `
INSERT INTO activity_events (id, tenant_id, type, severity, details, ttl_seconds, created_at)
VALUES ($1, $2, $3, $4, $5::json, $6, $7)`

	// trimTenantSQL keeps the newest $2 rows of the tenant.
	trimTenantSQL = `
DELETE FROM activity_events
WHERE tenant_id = $1
  AND seq < (
    SELECT seq FROM activity_events
    WHERE tenant_id = $1
    ORDER BY seq DESC
    OFFSET $2 - 1
    LIMIT 1
  )`

	notifySQL = `SELECT pg_notify($1, $2)`

	listEventsSQL = `
SELECT id::text, tenant_id, type, severity, details::text, ttl_seconds, created_at
FROM activity_events
WHERE tenant_id = $1
ORDER BY created_at DESC, seq DESC
LIMIT $2`

	getEventSQL = `
SELECT id::text, tenant_id, type, severity, details::text, ttl_seconds, created_at
FROM activity_events
WHERE id = $1`
)

// DatabaseOption configures the Postgres bus.
type DatabaseOption func(*DatabaseBus)

// WithDatabaseLogger overrides the default logger used by the database bus.
func WithDatabaseLogger(logger *log.Logger) DatabaseOption {
	return func(b *DatabaseBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) DatabaseOption {
	return func(b *DatabaseBus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithDatabaseRelay listens for change notifications and forwards events written by
// other instances to local subscribers.
func WithDatabaseRelay() DatabaseOption {
	return func(b *DatabaseBus) {
		b.relay = true
	}
}

// DatabaseBus records one row per event in activity_events and relies on pg_notify for
// cross-process delivery.
type DatabaseBus struct {
	pool       *pgxpool.Pool
	cfg        Config
	channel    string
	instanceID string
	relay      bool
	logger     *log.Logger
	hub        *hub
	metrics    *busMetrics

	listenCancel context.CancelFunc
	listenWG     sync.WaitGroup
	closeOnce    sync.Once
}

// notification is the pg_notify payload. It carries only identifiers because NOTIFY
// payloads are limited to 8000 bytes while details may reach 10 KiB.
type notification struct {
	Origin   string `json:"origin"`
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
}

// NewDatabaseBus wraps pool. The caller keeps ownership of the pool.
func NewDatabaseBus(pool *pgxpool.Pool, cfg Config, opts ...DatabaseOption) *DatabaseBus {
	cfg = cfg.normalize()
	b := &DatabaseBus{
		pool:       pool,
		cfg:        cfg,
		channel:    DefaultNotifyChannel,
		instanceID: uuid.NewString(),
		logger:     log.New(os.Stdout, "eventbus/database ", log.LstdFlags|log.Lmicroseconds),
		metrics:    newBusMetrics(otel.Meter("eventbus")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.hub = newHub(KindDatabase, cfg, b.logger, b.metrics)
	if b.relay {
		b.startListener()
	}
	return b
}

// Publish inserts the event, trims the tenant to the retention bound and notifies
// listeners in one transaction serialised per tenant by an advisory lock.
func (b *DatabaseBus) Publish(ctx context.Context, evt *activity.Event) error {
	if err := validateEvent("database/publish", evt); err != nil {
		return err
	}
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		b.metrics.recordPublish(ctx, KindDatabase, evt, msSince(start), result)
	}()

	payload, err := json.Marshal(notification{Origin: b.instanceID, TenantID: evt.TenantID, ID: evt.ID})
	if err != nil {
		result = telemetry.ResultInvalid
		return errs.New("database/publish", errs.CodeInvalid, errs.WithMessage("encode notification"), errs.WithCause(err))
	}
	details := string(evt.Details)
	if details == "" {
		details = "{}"
	}

	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockTenantSQL, evt.TenantID); err != nil {
			return fmt.Errorf("lock tenant: %w", err)
		}
		if _, err := tx.Exec(ctx, insertEventSQL,
			evt.ID, evt.TenantID, evt.Type, string(evt.Severity), details, evt.TTL, evt.Timestamp); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if _, err := tx.Exec(ctx, trimTenantSQL, evt.TenantID, b.cfg.Retention); err != nil {
			return fmt.Errorf("trim tenant: %w", err)
		}
		if _, err := tx.Exec(ctx, notifySQL, b.channel, string(payload)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
	if err != nil {
		result = telemetry.ResultError
		return errs.New("database/publish", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// Notify delivers evt to local subscribers of its tenant.
func (b *DatabaseBus) Notify(ctx context.Context, evt *activity.Event) int {
	return b.hub.notify(ctx, evt)
}

// Subscribe registers a local subscription for the tenant.
func (b *DatabaseBus) Subscribe(ctx context.Context, tenantID string, opts ...SubscribeOption) (SubscriptionID, <-chan *activity.Event, error) {
	return b.hub.subscribe(ctx, tenantID, opts...)
}

// Unsubscribe removes the subscription and closes its channel.
func (b *DatabaseBus) Unsubscribe(id SubscriptionID) {
	b.hub.unsubscribe(id)
}

// List reads the tenant's newest rows and returns them oldest first.
func (b *DatabaseBus) List(ctx context.Context, tenantID string, limit int) ([]*activity.Event, error) {
	if err := validateTenant("database/list", tenantID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, b.cfg.Retention)
	if limit == 0 {
		return []*activity.Event{}, nil
	}
	rows, err := b.pool.Query(ctx, listEventsSQL, tenantID, limit)
	if err != nil {
		b.logger.Printf("list failed, returning empty result: tenant=%s err=%v", tenantID, err)
		b.metrics.recordListFailure(ctx, KindDatabase)
		return []*activity.Event{}, nil
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		b.logger.Printf("list scan failed, returning empty result: tenant=%s err=%v", tenantID, err)
		b.metrics.recordListFailure(ctx, KindDatabase)
		return []*activity.Event{}, nil
	}
	reverse(events)
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (*activity.Event, error) {
	var (
		evt      activity.Event
		severity string
		details  string
	)
	if err := row.Scan(&evt.ID, &evt.TenantID, &evt.Type, &severity, &details, &evt.TTL, &evt.Timestamp); err != nil {
		return nil, err
	}
	evt.Severity = activity.Severity(severity)
	evt.Details = json.RawMessage(details)
	evt.Timestamp = evt.Timestamp.UTC()
	return &evt, nil
}

// Kind reports KindDatabase.
func (b *DatabaseBus) Kind() Kind { return KindDatabase }

// Ping checks connectivity to Postgres.
func (b *DatabaseBus) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return errs.New("database/ping", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// Close stops the listener and releases subscribers. The pool is left open.
func (b *DatabaseBus) Close() {
	b.closeOnce.Do(func() {
		if b.listenCancel != nil {
			b.listenCancel()
			b.listenWG.Wait()
		}
		b.hub.close()
	})
}

// SubscriberCount reports the number of local subscribers for tenantID.
func (b *DatabaseBus) SubscriberCount(tenantID string) int {
	return b.hub.count(tenantID)
}

func (b *DatabaseBus) startListener() {
	ctx, cancel := context.WithCancel(context.Background())
	b.listenCancel = cancel
	b.listenWG.Add(1)
	go func() {
		defer b.listenWG.Done()
		b.listenLoop(ctx)
	}()
}

// listenLoop keeps a dedicated connection in LISTEN mode, reconnecting with backoff.
func (b *DatabaseBus) listenLoop(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxListenReconnectDelay

	for {
		err := b.listenOnce(ctx, backoffCfg)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Printf("listener: %v", err)
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxListenReconnectDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (b *DatabaseBus) listenOnce(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}
	backoffCfg.Reset()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		b.handleNotification(ctx, n.Payload)
	}
}

func (b *DatabaseBus) handleNotification(ctx context.Context, payload string) {
	var note notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		b.logger.Printf("listener: decode notification: %v", err)
		return
	}
	if note.Origin == b.instanceID {
		return
	}
	rows, err := b.pool.Query(ctx, getEventSQL, note.ID)
	if err != nil {
		b.logger.Printf("listener: load event %s: %v", note.ID, err)
		return
	}
	evt, err := pgx.CollectExactlyOneRow(rows, scanEvent)
	if err != nil {
		// The row may already be trimmed by a later publish.
		if !errors.Is(err, pgx.ErrNoRows) {
			b.logger.Printf("listener: scan event %s: %v", note.ID, err)
		}
		return
	}
	b.metrics.recordRelayed(ctx, KindDatabase)
	b.hub.notify(ctx, evt)
}

var _ Bus = (*DatabaseBus)(nil)
