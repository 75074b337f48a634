// Package activity defines the activity event record carried by the bus.
package activity

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	// MaxDetailsBytes caps the serialized size of an event's details.
	MaxDetailsBytes = 10 * 1024
	// MaxTenantIDLen caps tenant identifiers.
	MaxTenantIDLen = 64
	// MaxTypeLen caps event type tags.
	MaxTypeLen = 64
	// DefaultTTL is the retention hint applied when none is supplied.
	DefaultTTL = time.Hour
)

// Severity grades an event for display and delivery priority.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Well-known event types.
const (
	TypeUpload            = "upload"
	TypeOCRCompleted      = "ocr_completed"
	TypeError             = "error"
	TypeRateLimitExceeded = "rate_limit_exceeded"
	TypeSystemAlert       = "system_alert"
	TypeSecurityAlert     = "security_alert"
)

// Event is an immutable activity record owned by exactly one tenant. Values are shared
// between subscribers and must be treated as read-only.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Severity  Severity        `json:"severity"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       int             `json:"ttl"`
}

// Draft carries caller input before an Event is stamped.
type Draft struct {
	TenantID string
	Type     string
	Severity Severity
	Details  json.RawMessage
	TTL      time.Duration
}

// New validates the draft and stamps it with a fresh id and the supplied time.
func New(d Draft, now time.Time) (*Event, error) {
	details, err := canonicalDetails(d.Details)
	if err != nil {
		return nil, FieldErrors{{Field: "details", Msg: "must be a JSON object"}}
	}
	d.Details = details
	if fe := Validate(d); len(fe) > 0 {
		return nil, fe
	}
	severity := d.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Event{
		ID:        uuid.NewString(),
		TenantID:  d.TenantID,
		Type:      d.Type,
		Severity:  severity,
		Details:   details,
		Timestamp: now.UTC(),
		TTL:       int(ttl / time.Second),
	}, nil
}

// DetailsFromMap serializes an arbitrary map into the canonical details form.
func DetailsFromMap(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// DetailsMap decodes the event details into a generic map.
func (e *Event) DetailsMap() (map[string]any, error) {
	out := make(map[string]any)
	if e == nil || len(e.Details) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Details, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Expired reports whether the event's retention hint has elapsed at now.
func (e *Event) Expired(now time.Time) bool {
	if e == nil || e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(e.TTL) * time.Second))
}

// Marshal encodes the event for storage or transport.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event previously produced by Marshal.
func Unmarshal(data []byte) (*Event, error) {
	evt := new(Event)
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// canonicalDetails compacts the details so stored bytes match what readers get back.
func canonicalDetails(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' {
		return nil, errNotObject
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
