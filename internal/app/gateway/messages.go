package gateway

import (
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/activitybus/internal/domain/activity"
)

// Inbound message types. Clients may also answer a heartbeat with pong or heartbeat.
const (
	msgAuth      = "auth"
	msgPing      = "ping"
	msgSubscribe = "subscribe"
)

// Outbound message types.
const (
	msgReady      = "ready"
	msgPong       = "pong"
	msgActivity   = "activity"
	msgError      = "error"
	msgHeartbeat  = "heartbeat"
	msgSubscribed = "subscribed"
)

// Error codes sent to clients.
const (
	CodeInvalidAuth            = "INVALID_AUTH"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeInvalidIssuer          = "INVALID_ISSUER"
	CodeInsufficientPrivileges = "INSUFFICIENT_PRIVILEGES"
	CodeTenantForbidden        = "TENANT_FORBIDDEN"
	CodeRateLimited            = "RATE_LIMITED"
	CodeAuthTimeout            = "AUTH_TIMEOUT"
	CodeBadAuthFormat          = "BAD_AUTH_FORMAT"
	CodeAuthNotConfigured      = "AUTH_NOT_CONFIGURED"
	CodeUnknownMessage         = "UNKNOWN_MESSAGE"
	CodeBadMessage             = "BAD_MESSAGE"
	CodeUnavailable            = "UNAVAILABLE"
)

// minTokenLength rejects obviously truncated credentials before verification.
const minTokenLength = 10

// Capabilities advertised in the ready message.
var Capabilities = []string{"activity_stream", "bulk_activities"}

// inbound is the union of every client message.
type inbound struct {
	Type         string          `json:"type"`
	Token        string          `json:"token,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Timestamp    json.RawMessage `json:"timestamp,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	Filters      *filters        `json:"filters,omitempty"`
}

type filters struct {
	Types []string `json:"types,omitempty"`
}

type readyMessage struct {
	Type         string   `json:"type"`
	TenantID     string   `json:"tenant_id"`
	Timestamp    float64  `json:"timestamp"`
	Backend      string   `json:"backend"`
	Capabilities []string `json:"capabilities"`
}

type pongMessage struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type activityMessage struct {
	Type      string          `json:"type"`
	Data      *activity.Event `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

type errorMessage struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type heartbeatMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type subscribedMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Filters  filters  `json:"filters"`
}

// unixSeconds renders t as fractional Unix seconds.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// closeFor maps an error code to the WebSocket close status used when it ends a session.
func closeFor(code string) websocket.StatusCode {
	switch code {
	case CodeAuthNotConfigured, CodeUnavailable:
		return websocket.StatusInternalError
	case CodeBadAuthFormat:
		return websocket.StatusUnsupportedData
	default:
		return websocket.StatusPolicyViolation
	}
}

// priorityFor maps an event to its delivery tier.
func priorityFor(evt *activity.Event) Priority {
	switch evt.Type {
	case activity.TypeSystemAlert, activity.TypeSecurityAlert, activity.TypeRateLimitExceeded:
		return PriorityCritical
	}
	if evt.Severity == activity.SeverityCritical {
		return PriorityCritical
	}
	return PriorityNormal
}

func encodeActivity(evt *activity.Event, now time.Time) ([]byte, error) {
	return json.Marshal(activityMessage{Type: msgActivity, Data: evt, Timestamp: unixSeconds(now)})
}
