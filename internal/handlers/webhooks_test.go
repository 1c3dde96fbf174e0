package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/services"
)

type stubVerifier struct {
	event payments.WebhookEvent
	err   error
	sig   string
}

func (s *stubVerifier) Verify(_ []byte, signature string) (payments.WebhookEvent, error) {
	s.sig = signature
	return s.event, s.err
}

type recordedEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedEvents) log(_ context.Context, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func postWebhook(t *testing.T, handler *PaymentWebhookHandlers) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set(payments.StripeSignatureHeader, "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestPaymentWebhookMarksPaid(t *testing.T) {
	verifier := &stubVerifier{event: payments.WebhookEvent{
		ID:     "evt_1",
		Kind:   payments.EventPaymentSucceeded,
		Type:   "payment_intent.succeeded",
		Intent: payments.Intent{ID: "pi_1", OrderID: "ord_123", Status: payments.StatusSucceeded},
	}}
	var captured services.MarkPaidCommand
	orders := &stubOrderService{
		markPaidFn: func(_ context.Context, cmd services.MarkPaidCommand) (services.Order, error) {
			captured = cmd
			return services.Order{}, nil
		},
	}
	logs := &recordedEvents{}
	rr := postWebhook(t, NewPaymentWebhookHandlers(verifier, orders, logs.log))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if verifier.sig != "t=1,v1=abc" {
		t.Fatalf("expected signature header to reach verifier, got %q", verifier.sig)
	}
	if captured.OrderID != "ord_123" || captured.PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if !logs.has("payments.webhook.applied") {
		t.Fatalf("expected applied event, got %v", logs.events)
	}
}

func TestPaymentWebhookRoutesByKind(t *testing.T) {
	var failure services.PaymentFailureCommand
	var deposit services.DepositHeldCommand
	orders := &stubOrderService{
		failureFn: func(_ context.Context, cmd services.PaymentFailureCommand) (services.Order, error) {
			failure = cmd
			return services.Order{}, nil
		},
		depositFn: func(_ context.Context, cmd services.DepositHeldCommand) (services.Order, error) {
			deposit = cmd
			return services.Order{}, nil
		},
	}

	rr := postWebhook(t, NewPaymentWebhookHandlers(&stubVerifier{event: payments.WebhookEvent{
		Kind:          payments.EventPaymentFailed,
		Intent:        payments.Intent{ID: "pi_2"},
		FailureReason: "card_declined",
	}}, orders, nil))
	if rr.Code != http.StatusOK || failure.PaymentIntentID != "pi_2" || failure.Reason != "card_declined" || failure.OrderID != "" {
		t.Fatalf("unexpected failure handling %d %+v", rr.Code, failure)
	}

	rr = postWebhook(t, NewPaymentWebhookHandlers(&stubVerifier{event: payments.WebhookEvent{
		Kind:   payments.EventAmountCapturable,
		Intent: payments.Intent{ID: "pi_3", OrderID: "ord_9", AmountCapturable: 20000},
	}}, orders, nil))
	if rr.Code != http.StatusOK || deposit.AmountMinorUnits != 20000 || deposit.OrderID != "ord_9" {
		t.Fatalf("unexpected deposit handling %d %+v", rr.Code, deposit)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	verifier := &stubVerifier{err: fmt.Errorf("%w: mismatch", payments.ErrInvalidSignature)}
	logs := &recordedEvents{}
	rr := postWebhook(t, NewPaymentWebhookHandlers(verifier, &stubOrderService{}, logs.log))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "invalid_signature" {
		t.Fatalf("unexpected code %q", code)
	}
	if !logs.has("payments.webhook.signature_failed") {
		t.Fatalf("expected signature failure to be logged")
	}
}

func TestPaymentWebhookOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"state conflict acknowledged", fmt.Errorf("%w: cancelled", services.ErrPaymentNotCaptured), http.StatusOK},
		{"unknown order acknowledged", fmt.Errorf("%w: pi_x", services.ErrOrderNotFound), http.StatusOK},
		{"transient failure retried", fmt.Errorf("%w: firestore", services.ErrDependencyUnavailable), http.StatusServiceUnavailable},
		{"unexpected failure retried", errors.New("boom"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		orders := &stubOrderService{
			markPaidFn: func(context.Context, services.MarkPaidCommand) (services.Order, error) {
				return services.Order{}, tc.err
			},
		}
		verifier := &stubVerifier{event: payments.WebhookEvent{Kind: payments.EventPaymentSucceeded, Intent: payments.Intent{ID: "pi_1"}}}
		rr := postWebhook(t, NewPaymentWebhookHandlers(verifier, orders, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rr.Code)
		}
	}
}

func TestPaymentWebhookIgnoresUnhandledEvents(t *testing.T) {
	verifier := &stubVerifier{event: payments.WebhookEvent{Kind: payments.EventUnhandled, Type: "charge.refunded"}}
	rr := postWebhook(t, NewPaymentWebhookHandlers(verifier, &stubOrderService{}, nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ignored"`) {
		t.Fatalf("expected ignored ack, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestInternalSweepClampsLimit(t *testing.T) {
	var limits []int
	orders := &stubOrderService{
		sweepFn: func(_ context.Context, limit int) (services.SweepResult, error) {
			limits = append(limits, limit)
			return services.SweepResult{Examined: 3, Completed: 2, Skipped: 1}, nil
		},
	}
	router := chi.NewRouter()
	router.Route("/internal", NewInternalOrderHandlers(orders).Routes)

	for _, body := range []string{"", `{"limit":5000}`, `{"limit":10}`} {
		req := httptest.NewRequest(http.MethodPost, "/internal/orders:sweep-auto-complete", strings.NewReader(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"completed":2`) {
			t.Fatalf("unexpected body %s", rr.Body.String())
		}
	}
	if len(limits) != 3 || limits[0] != defaultSweepLimit || limits[1] != maxSweepLimit || limits[2] != 10 {
		t.Fatalf("unexpected limits %v", limits)
	}
}
