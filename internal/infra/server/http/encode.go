package httpserver

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/activitybus/internal/domain/errs"
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// encodeJSON marshals v without HTML escaping and without the trailing newline.
func encodeJSON(buf *bytes.Buffer, v any) error {
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := encodeJSON(buf, payload); err != nil {
		http.Error(w, `{"status":"error","error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Status: "error", Error: message})
}

type errorBody struct {
	Status     string            `json:"status"`
	Error      string            `json:"error"`
	Code       errs.Code         `json:"code,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
}

// writeErr renders err with the status its envelope maps to. Rate-limit rejections
// carry a Retry-After header.
func writeErr(w http.ResponseWriter, err error) {
	e, ok := errs.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	body := errorBody{
		Status:     "error",
		Error:      e.Message,
		Code:       e.Code,
		Fields:     e.Fields,
		RetryAfter: e.RetryAfterSeconds(),
	}
	if body.Error == "" {
		body.Error = string(e.Code)
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, e.StatusCode(), body)
}
