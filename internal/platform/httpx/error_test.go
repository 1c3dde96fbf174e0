package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/localhands/marketplace/internal/platform/requestctx"
)

func TestWriteErrorTagsTraceAndOrder(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	ctx = requestctx.WithOrderID(ctx, "ord_0001")
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("illegal_transition", "order cannot move\nfrom COMPLETED", http.StatusConflict))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "" {
		t.Fatalf("conflicts should not ask for a retry")
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "illegal_transition" || body["trace_id"] != "abc123" || body["order_id"] != "ord_0001" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["message"] != "order cannot move from COMPLETED" {
		t.Fatalf("message should be single line: %q", body["message"])
	}
	if _, ok := body["request_id"]; ok {
		t.Fatalf("empty request id should be omitted: %v", body)
	}
}

func TestWriteErrorRetryAfterRoundsUp(t *testing.T) {
	rr := httptest.NewRecorder()

	WriteError(context.Background(), rr, NewError("dependency_unavailable", "retry later", http.StatusServiceUnavailable).
		WithRetryAfter(1500*time.Millisecond))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Quantity int `json:"quantity"`
	}

	var got payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3}`))
	if err := DecodeJSON(req, 0, &got); err != nil || got.Quantity != 3 {
		t.Fatalf("decode: %v %+v", err, got)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3,"extra":true}`))
	if err := DecodeJSON(req, 0, &got); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":12345}`))
	if err := DecodeJSON(req, 5, &got); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}
