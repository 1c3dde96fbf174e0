package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/localhands/marketplace/internal/platform/requestctx"
)

// Error is an API failure rendered as the JSON error envelope.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

// errorEnvelope is the wire shape. order_id is filled from the request context so
// clients can correlate a failure on a batch of calls with the order it hit.
type errorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	OrderID   string `json:"order_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError builds an error with a machine code and a single-line message. A zero status
// means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: singleLine(code, 80), Message: singleLine(message, 512), Status: status}
}

// WithRetryAfter asks the client to back off; rounded up to whole seconds.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

// WriteError renders err and tags it with the request, trace and order ids on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	if err.RetryAfter > 0 {
		secs := int64((err.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		OrderID:   singleLine(requestctx.OrderID(ctx), 64),
		RequestID: singleLine(middleware.GetReqID(ctx), 80),
		TraceID:   singleLine(requestctx.TraceID(ctx), 64),
	})
}

func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
