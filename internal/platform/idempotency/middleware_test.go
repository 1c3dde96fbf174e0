package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/localhands/marketplace/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func newRequest(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestMiddleware_MissingHeader(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))

	handlerCalled := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	})

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, newRequest(`{"itemId":"svc-1"}`, ""))

	if handlerCalled {
		t.Fatal("handler should not be invoked when header is missing")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_OptionalKeyPassesThrough(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithOptionalKey())

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})
	handler := middleware(next)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newRequest(`{}`, ""))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to reach the handler, got %d", calls)
	}
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	middleware := Middleware(store, WithClock(func() time.Time { return fixedTime }))

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"ord_1"}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newRequest(`{"itemId":"svc-1"}`, "abc-123"))
	if rr1.Code != http.StatusCreated {
		t.Fatalf("unexpected first response status: %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newRequest(`{"itemId":"svc-1"}`, "abc-123"))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d calls", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Body.String() != `{"orderId":"ord_1"}` {
		t.Fatalf("unexpected replay body: %s", rr2.Body.String())
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header to be set")
	}
	if rr2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored content type, got %q", rr2.Header().Get("Content-Type"))
	}
}

func TestMiddleware_KeysAreScopedPerCaller(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for _, uid := range []string{"buyer-a", "buyer-b"} {
		req := newRequest(`{}`, "same-key")
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Header().Get(replayHeaderName) != "" {
			t.Fatalf("caller %s should not receive another caller's replay", uid)
		}
	}
	if calls != 2 {
		t.Fatalf("expected two handler calls, got %d", calls)
	}
}

func TestMiddleware_ConflictingFingerprint(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newRequest(`{"quantity":1}`, "key-1"))

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newRequest(`{"quantity":2}`, "key-1"))

	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", rr2.Code)
	}
	assertErrorResponse(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_PendingReservationReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	req := newRequest(`{}`, "busy")
	fingerprint := requestFingerprint(req, []byte(`{}`), "anonymous")
	if _, err := store.Reserve(context.Background(), scopedKey("busy", "anonymous"), fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while the key is pending")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{}`, "busy"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newRequest(`{}`, "retry-me"))
	if rr1.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 passthrough, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newRequest(`{}`, "retry-me"))
	if rr2.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry to run handler again, status=%d calls=%d", rr2.Code, calls)
	}
}

func TestMiddleware_SaveFailureReleasesReservation(t *testing.T) {
	store := &stubStore{saveErr: errors.New("boom")}
	var events []string
	handler := Middleware(store, WithLogger(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	}))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{}`, "k"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !store.released {
		t.Fatal("expected reservation to be released")
	}
	if len(events) == 0 || events[0] != "idempotency.save_failed" {
		t.Fatalf("expected save failure event, got %v", events)
	}
}

func TestMiddleware_IgnoresSafeMethods(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders", nil))
	if !called {
		t.Fatal("GET should bypass idempotency checks")
	}
}

func TestCleanupOnceDrainsExpiredRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if _, err := store.Reserve(ctx, "fresh", "fp", fixedTime.Add(time.Hour), time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	removed, err := CleanupOnce(ctx, store, fixedTime.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	res, err := store.Reserve(ctx, "fresh", "fp", fixedTime.Add(time.Hour), time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("fresh key should survive cleanup, state=%v err=%v", res.State, err)
	}
}

func TestMemoryStoreExpiredKeyIsReusable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SaveResponse(ctx, "k", "fp-1", Response{Status: http.StatusCreated}, fixedTime, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "fp-2", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", res.State)
	}
}

func TestMemoryStoreReleaseOnlyFreesOwnPendingReservation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Reserve(ctx, "pending", "fp-1", fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(ctx, "pending", "fp-other"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Reserve(ctx, "pending", "fp-other", fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("foreign release must keep the reservation, got %v", err)
	}

	if err := store.SaveResponse(ctx, "done", "fp-1", Response{Status: http.StatusCreated, Body: []byte(`{"order":{"id":"ord_1"}}`)}, fixedTime, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Release(ctx, "done", "fp-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err := store.Reserve(ctx, "done", "fp-1", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateCompleted || string(res.Record.ResponseBody) != `{"order":{"id":"ord_1"}}` {
		t.Fatalf("saved response must survive release, state=%v err=%v", res.State, err)
	}

	if err := store.Release(ctx, "pending", "fp-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res, err := store.Reserve(ctx, "pending", "fp-2", fixedTime, time.Hour); err != nil || res.State != ReservationStateNew {
		t.Fatalf("own release should free the key, state=%v err=%v", res.State, err)
	}
}

type stubStore struct {
	saveErr  error
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	return s.saveErr
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != expected {
		t.Fatalf("expected error %q, got %v", expected, body["error"])
	}
}
