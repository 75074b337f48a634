package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
	"github.com/coachpo/activitybus/internal/infra/telemetry"
)

const (
	DefaultStreamPrefix = "activity"
	streamEventField    = "event"
	streamOriginField   = "origin"
)

// StreamOption configures the Redis stream bus.
type StreamOption func(*StreamBus)

// WithStreamLogger overrides the default logger used by the stream bus.
func WithStreamLogger(logger *log.Logger) StreamOption {
	return func(b *StreamBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStreamPrefix namespaces stream keys and live channels.
func WithStreamPrefix(prefix string) StreamOption {
	return func(b *StreamBus) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithStreamRelay subscribes to the live channels of every tenant and forwards events
// published by other instances to local subscribers.
func WithStreamRelay() StreamOption {
	return func(b *StreamBus) {
		b.relay = true
	}
}

// WithStreamInstanceID fixes the origin id stamped on relayed events.
func WithStreamInstanceID(id string) StreamOption {
	return func(b *StreamBus) {
		if id != "" {
			b.instanceID = id
		}
	}
}

// StreamBus stores each tenant's events in a capped Redis stream and announces them on
// a per-tenant pub/sub channel.
type StreamBus struct {
	client     redis.UniversalClient
	cfg        Config
	prefix     string
	instanceID string
	relay      bool
	logger     *log.Logger
	hub        *hub
	metrics    *busMetrics

	relayCancel context.CancelFunc
	relayWG     sync.WaitGroup
	closeOnce   sync.Once
}

// relayMessage is the payload published on the live channel.
type relayMessage struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// NewStreamBus wraps client. The caller keeps ownership of the client.
func NewStreamBus(client redis.UniversalClient, cfg Config, opts ...StreamOption) *StreamBus {
	cfg = cfg.normalize()
	b := &StreamBus{
		client:     client,
		cfg:        cfg,
		prefix:     DefaultStreamPrefix,
		instanceID: uuid.NewString(),
		logger:     log.New(os.Stdout, "eventbus/stream ", log.LstdFlags|log.Lmicroseconds),
		metrics:    newBusMetrics(otel.Meter("eventbus")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.hub = newHub(KindStream, cfg, b.logger, b.metrics)
	if b.relay {
		b.startRelay()
	}
	return b
}

func (b *StreamBus) streamKey(tenantID string) string {
	return b.prefix + ":" + tenantID
}

func (b *StreamBus) liveChannel(tenantID string) string {
	return b.prefix + ":live:" + tenantID
}

// Publish appends the event with an exact MAXLEN trim and announces it, all inside one
// MULTI/EXEC so concurrent writers of a tenant never observe an untrimmed stream.
func (b *StreamBus) Publish(ctx context.Context, evt *activity.Event) error {
	if err := validateEvent("stream/publish", evt); err != nil {
		return err
	}
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		b.metrics.recordPublish(ctx, KindStream, evt, msSince(start), result)
	}()

	data, err := evt.Marshal()
	if err != nil {
		result = telemetry.ResultInvalid
		return errs.New("stream/publish", errs.CodeInvalid, errs.WithMessage("encode event"), errs.WithCause(err))
	}
	announcement, err := json.Marshal(relayMessage{Origin: b.instanceID, Event: data})
	if err != nil {
		result = telemetry.ResultInvalid
		return errs.New("stream/publish", errs.CodeInvalid, errs.WithMessage("encode announcement"), errs.WithCause(err))
	}

	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(evt.TenantID),
		MaxLen: int64(b.cfg.Retention),
		Approx: false,
		Values: map[string]any{
			streamEventField:  data,
			streamOriginField: b.instanceID,
		},
	})
	pipe.Publish(ctx, b.liveChannel(evt.TenantID), announcement)
	if _, err := pipe.Exec(ctx); err != nil {
		result = telemetry.ResultError
		return errs.New("stream/publish", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("append to %s", b.streamKey(evt.TenantID))),
			errs.WithCause(err))
	}
	return nil
}

// Notify delivers evt to local subscribers of its tenant.
func (b *StreamBus) Notify(ctx context.Context, evt *activity.Event) int {
	return b.hub.notify(ctx, evt)
}

// Subscribe registers a local subscription for the tenant.
func (b *StreamBus) Subscribe(ctx context.Context, tenantID string, opts ...SubscribeOption) (SubscriptionID, <-chan *activity.Event, error) {
	return b.hub.subscribe(ctx, tenantID, opts...)
}

// Unsubscribe removes the subscription and closes its channel.
func (b *StreamBus) Unsubscribe(id SubscriptionID) {
	b.hub.unsubscribe(id)
}

// List reads the newest entries with XREVRANGE and returns them oldest first.
func (b *StreamBus) List(ctx context.Context, tenantID string, limit int) ([]*activity.Event, error) {
	if err := validateTenant("stream/list", tenantID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, b.cfg.Retention)
	if limit == 0 {
		return []*activity.Event{}, nil
	}
	msgs, err := b.client.XRevRangeN(ctx, b.streamKey(tenantID), "+", "-", int64(limit)).Result()
	if err != nil {
		b.logger.Printf("list failed, returning empty result: tenant=%s err=%v", tenantID, err)
		b.metrics.recordListFailure(ctx, KindStream)
		return []*activity.Event{}, nil
	}
	events := make([]*activity.Event, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := decodeStreamEntry(msg)
		if err != nil {
			b.logger.Printf("skipping undecodable entry: tenant=%s id=%s err=%v", tenantID, msg.ID, err)
			continue
		}
		if evt.TenantID != tenantID {
			continue
		}
		events = append(events, evt)
	}
	reverse(events)
	return events, nil
}

func decodeStreamEntry(msg redis.XMessage) (*activity.Event, error) {
	raw, ok := msg.Values[streamEventField]
	if !ok {
		return nil, fmt.Errorf("missing %q field", streamEventField)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unexpected %q field type %T", streamEventField, raw)
	}
	return activity.Unmarshal(data)
}

// Kind reports KindStream.
func (b *StreamBus) Kind() Kind { return KindStream }

// Ping checks connectivity to Redis.
func (b *StreamBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errs.New("stream/ping", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// Close stops the relay and releases subscribers. The Redis client is left open.
func (b *StreamBus) Close() {
	b.closeOnce.Do(func() {
		if b.relayCancel != nil {
			b.relayCancel()
			b.relayWG.Wait()
		}
		b.hub.close()
	})
}

// SubscriberCount reports the number of local subscribers for tenantID.
func (b *StreamBus) SubscriberCount(tenantID string) int {
	return b.hub.count(tenantID)
}

func (b *StreamBus) startRelay() {
	ctx, cancel := context.WithCancel(context.Background())
	b.relayCancel = cancel
	pubsub := b.client.PSubscribe(ctx, b.prefix+":live:*")

	b.relayWG.Add(1)
	go func() {
		defer b.relayWG.Done()
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.relayMessage(ctx, msg.Payload)
			}
		}
	}()
}

func (b *StreamBus) relayMessage(ctx context.Context, payload string) {
	var announcement relayMessage
	if err := json.Unmarshal([]byte(payload), &announcement); err != nil {
		b.logger.Printf("relay: decode announcement: %v", err)
		return
	}
	if announcement.Origin == b.instanceID {
		return
	}
	evt, err := activity.Unmarshal(announcement.Event)
	if err != nil {
		b.logger.Printf("relay: decode event: %v", err)
		return
	}
	b.metrics.recordRelayed(ctx, KindStream)
	b.hub.notify(ctx, evt)
}

var _ Bus = (*StreamBus)(nil)
