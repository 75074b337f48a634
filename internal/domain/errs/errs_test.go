package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"publish",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid activity"),
		WithField("tenant_id", "must match pattern"),
		WithField("details", "exceeds 10240 bytes"),
		WithCause(errors.New("validation failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=publish") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := `fields=details="exceeds 10240 bytes",tenant_id="must match pattern"`
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected sorted fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, `cause="validation failed"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestStatusCodeDerivedFromCode(t *testing.T) {
	cases := map[Code]int{
		CodeRateLimited: http.StatusTooManyRequests,
		CodeAuth:        http.StatusUnauthorized,
		CodeForbidden:   http.StatusForbidden,
		CodeInvalid:     http.StatusBadRequest,
		CodeNotFound:    http.StatusNotFound,
		CodeUnavailable: http.StatusServiceUnavailable,
		Code("other"):   http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := New("x", code).StatusCode(); got != want {
			t.Errorf("code %s: expected %d, got %d", code, want, got)
		}
	}
	if got := New("x", CodeInvalid, WithHTTP(422)).StatusCode(); got != 422 {
		t.Fatalf("explicit http status should win, got %d", got)
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	err := New("ratelimit", CodeRateLimited, WithRetryAfter(1500*time.Millisecond))
	if got := err.RetryAfterSeconds(); got != 2 {
		t.Fatalf("expected 2 seconds, got %d", got)
	}
	err = New("ratelimit", CodeRateLimited, WithRetryAfter(10*time.Millisecond))
	if got := err.RetryAfterSeconds(); got != 1 {
		t.Fatalf("expected floor of 1 second, got %d", got)
	}
	if got := New("x", CodeInvalid).RetryAfterSeconds(); got != 0 {
		t.Fatalf("expected 0 without hint, got %d", got)
	}
}

func TestAsAndIsCodeUnwrap(t *testing.T) {
	base := New("eventbus", CodeUnavailable, WithMessage("backend down"))
	wrapped := fmt.Errorf("publish: %w", base)

	e, ok := As(wrapped)
	if !ok || e != base {
		t.Fatalf("expected As to find envelope through wrapping")
	}
	if !IsCode(wrapped, CodeUnavailable) {
		t.Fatalf("expected IsCode to match unavailable")
	}
	if IsCode(errors.New("plain"), CodeUnavailable) {
		t.Fatalf("plain error should not match")
	}
}
