package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/platform/auth"
	"github.com/localhands/marketplace/internal/platform/observability"
	"github.com/localhands/marketplace/internal/services"
)

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestNewRouterServesOrdersUnderAPIPrefix(t *testing.T) {
	orders, _, orderID := newQuoteFlowService(t)
	core, logs := observer.New(zapcore.InfoLevel)
	router := NewRouter(
		WithMiddlewares(
			observability.InjectLoggerMiddleware(zap.New(core)),
			observability.TraceMiddleware(""),
			observability.RequestLoggerMiddleware(nil),
		),
		WithOrderRoutes(NewOrderHandlers(nil, orders).Routes),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+orderID+":submit-quote", strings.NewReader(`{"amount_minor_units":8000}`))
	rr := serve(router, withIdentity(req, &auth.Identity{UID: flowProviderUID}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Order.Status != string(domain.OrderStatusWaitingForPriceApproval) {
		t.Fatalf("expected WAITING_FOR_PRICE_APPROVAL, got %s", body.Order.Status)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion line, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["route"] != "/api/v1/orders/{orderID}:submit-quote" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["order_id"] != orderID || fields["order_status"] != string(domain.OrderStatusWaitingForPriceApproval) {
		t.Fatalf("expected order tags on completion line, got %v", fields)
	}

	rr = serve(router, withIdentity(httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_missing", nil), &auth.Identity{UID: "buyer-1"}))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", rr.Code)
	}
	var envelope map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope["error"] != "order_not_found" || envelope["order_id"] != "ord_missing" {
		t.Fatalf("unexpected error envelope %v", envelope)
	}
}

func TestNewRouterServesPaymentWebhooks(t *testing.T) {
	verifier := &stubVerifier{event: payments.WebhookEvent{
		ID:     "evt_9",
		Kind:   payments.EventPaymentSucceeded,
		Type:   "payment_intent.succeeded",
		Intent: payments.Intent{ID: "pi_9", OrderID: "ord_9", Status: payments.StatusSucceeded},
	}}
	var paid services.MarkPaidCommand
	orders := &stubOrderService{
		markPaidFn: func(_ context.Context, cmd services.MarkPaidCommand) (services.Order, error) {
			paid = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusPendingConfirmation}, nil
		},
	}
	logs := &recordedEvents{}
	router := NewRouter(WithWebhookRoutes(NewPaymentWebhookHandlers(verifier, orders, logs.log).Routes))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/stripe", strings.NewReader(`{"id":"evt_9"}`))
	req.Header.Set(payments.StripeSignatureHeader, "t=1,v1=def")
	rr := serve(router, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if paid.OrderID != "ord_9" || paid.PaymentIntentID != "pi_9" {
		t.Fatalf("unexpected mark-paid command %+v", paid)
	}

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/payments/stripe", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on webhook, got %d", rr.Code)
	}
}

func TestNewRouterUnconfiguredSurfacesAskForRetry(t *testing.T) {
	router := NewRouter()

	cases := map[string]string{
		"/api/v1/orders":                   "order_service_unavailable",
		"/api/v1/cart/items":               "cart_service_unavailable",
		"/api/v1/webhooks/payments/stripe": "payment_webhooks_unavailable",
		"/api/v1/internal/orders:sweep":    "internal_api_unavailable",
	}
	for path, code := range cases {
		rr := serve(router, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rr.Code)
		}
		if got := decodeErrorCode(t, rr); got != code {
			t.Fatalf("%s: expected %s, got %s", path, code, got)
		}
	}

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/does/not/exist", nil))
	if rr.Code != http.StatusNotFound || decodeErrorCode(t, rr) != "route_not_found" {
		t.Fatalf("expected route_not_found, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestNewRouterGuardsInternalSurface(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	var swept bool
	orders := &stubOrderService{
		sweepFn: func(context.Context, int) (services.SweepResult, error) {
			swept = true
			return services.SweepResult{}, nil
		},
	}
	router := NewRouter(
		WithInternalRoutes(NewInternalOrderHandlers(orders).Routes),
		WithInternalMiddlewares(deny),
	)

	rr := serve(router, httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders:sweep-auto-complete", strings.NewReader(`{}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected internal middleware to reject, got %d", rr.Code)
	}
	if swept {
		t.Fatalf("sweep should not run without passing the internal guard")
	}

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health checks should stay outside the internal guard, got %d", rr.Code)
	}
}
