// Package errs provides structured error types and helpers for activity bus services.
package errs

import (
	"errors"
	"maps"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates missing or invalid credentials.
	CodeAuth Code = "auth"
	// CodeForbidden indicates valid credentials lacking the required privileges.
	CodeForbidden Code = "forbidden"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service or its backend is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the activity bus.
type E struct {
	Component  string
	Code       Code
	HTTP       int
	Message    string
	Fields     map[string]string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records how long the caller should wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithField records a per-field validation failure.
func WithField(field, msg string) Option {
	return func(e *E) {
		key := strings.TrimSpace(field)
		if key == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[key] = strings.TrimSpace(msg)
	}
}

// WithFields merges the provided field failures into the envelope.
func WithFields(fields map[string]string) Option {
	return func(e *E) {
		for k, v := range fields {
			WithField(k, v)(e)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("component=" + orUnknown(e.Component))
	b.WriteString(" code=" + orUnknown(string(e.Code)))
	if e.HTTP > 0 {
		b.WriteString(" http=" + strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		b.WriteString(" message=" + strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		b.WriteString(" retry_after=" + e.RetryAfter.String())
	}
	if len(e.Fields) > 0 {
		b.WriteString(" fields=")
		for i, k := range slices.Sorted(maps.Keys(e.Fields)) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k + "=" + strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		b.WriteString(" cause=" + strconv.Quote(e.cause.Error()))
	}
	return b.String()
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

func (e *E) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status associated with the error, deriving one from the
// code when none was recorded explicitly.
func (e *E) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable, CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, with a floor of one second
// whenever a retry hint is present.
func (e *E) RetryAfterSeconds() int {
	if e == nil || e.RetryAfter <= 0 {
		return 0
	}
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// As extracts the structured envelope from err.
func As(err error) (*E, bool) {
	var target *E
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsCode reports whether err carries the provided code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
