package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/platform/auth"
	"github.com/localhands/marketplace/internal/repositories/memory"
	"github.com/localhands/marketplace/internal/services"
)

const flowProviderUID = "6f1c2a7e-3b9d-4c8e-9a1f-2d3e4f5a6b7c"

type memoryIntents struct {
	mu      sync.Mutex
	intents map[string]payments.Intent
}

func (p *memoryIntents) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent := payments.Intent{
		ID:           fmt.Sprintf("pi_%d", len(p.intents)+1),
		Provider:     "stripe",
		ClientSecret: "secret",
		Status:       payments.StatusPending,
		Amount:       req.Amount,
		Currency:     req.Currency,
		OrderID:      req.OrderID,
		Purpose:      req.Purpose,
	}
	p.intents[intent.ID] = intent
	return intent, nil
}

func (p *memoryIntents) CancelIntent(_ context.Context, req payments.CancelRequest) (payments.Intent, error) {
	return payments.Intent{ID: req.IntentID, Status: payments.StatusCanceled}, nil
}

func (p *memoryIntents) Refund(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
	return payments.Refund{ID: "re_1", IntentID: req.IntentID, Status: "succeeded"}, nil
}

func (p *memoryIntents) LookupIntent(_ context.Context, intentID string) (payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intents[intentID], nil
}

// newQuoteFlowRouter serves the order routes over in-memory storage and returns the id
// of an open quote request.
func newQuoteFlowRouter(t *testing.T) (http.Handler, *memoryIntents, string) {
	t.Helper()
	orders, provider, orderID := newQuoteFlowService(t)
	return newOrderRouter(NewOrderHandlers(nil, orders)), provider, orderID
}

func newQuoteFlowService(t *testing.T) (services.OrderService, *memoryIntents, string) {
	t.Helper()
	listings := memory.NewListingRepository()
	listings.Seed(
		domain.ProviderProfile{ID: "prov_1", UserID: flowProviderUID, DisplayName: "Northside Handy Co."},
		domain.ListingMaster{ID: "mst_1", ProviderID: "prov_1", Title: "Home repairs"},
		domain.ListingItem{ID: "itm_quote", MasterID: "mst_1", Name: "Fence staining", PricingModel: domain.PricingModelQuote, UnitPrice: domain.Money{Currency: "CAD"}, Active: true},
	)
	reg := memory.NewRegistry(listings)
	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{Rates: services.PricingRates{
		PlatformFeePct: decimal.RequireFromString("5"),
		TaxPct:         decimal.RequireFromString("13"),
	}})
	if err != nil {
		t.Fatalf("pricing engine: %v", err)
	}
	provider := &memoryIntents{intents: make(map[string]payments.Intent)}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("payment manager: %v", err)
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Listings:   reg.Listings(),
		Pricing:    pricing,
		Payments:   manager,
		UnitOfWork: reg,
		Clock:      func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}

	ctx := context.Background()
	order, err := orders.CreateOrder(ctx, services.CreateOrderCommand{Flow: domain.FlowQuoteRequest, ItemID: "itm_quote", BuyerID: "buyer-1", ScopeDescription: "Stain the back fence"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return orders, provider, order.ID
}

func postTransition(router http.Handler, orderID, uid, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders/"+orderID+":transition", strings.NewReader(body))
	req = withIdentity(req, &auth.Identity{UID: uid})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestOrderHandlersTransitionToWaitingNeedsQuote(t *testing.T) {
	router, _, orderID := newQuoteFlowRouter(t)

	rr := postTransition(router, orderID, flowProviderUID, `{"target":"WAITING_FOR_PRICE_APPROVAL"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := decodeErrorCode(t, rr); code != "illegal_transition" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestOrderHandlersTransitionToPendingPaymentApprovesQuote(t *testing.T) {
	router, provider, orderID := newQuoteFlowRouter(t)

	quoteReq := httptest.NewRequest(http.MethodPost, "/orders/"+orderID+":submit-quote", strings.NewReader(`{"amount_minor_units":8000}`))
	quoteReq = withIdentity(quoteReq, &auth.Identity{UID: flowProviderUID})
	quoteRR := httptest.NewRecorder()
	router.ServeHTTP(quoteRR, quoteReq)
	if quoteRR.Code != http.StatusOK {
		t.Fatalf("submit quote: expected 200, got %d: %s", quoteRR.Code, quoteRR.Body.String())
	}

	rr := postTransition(router, orderID, "buyer-1", `{"target":"PENDING_PAYMENT"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Order.Status != string(domain.OrderStatusPendingPayment) {
		t.Fatalf("expected PENDING_PAYMENT, got %s", body.Order.Status)
	}
	if body.Order.Quote == nil || body.Order.Quote.ApprovedAt == "" {
		t.Fatalf("expected approval timestamp, got %+v", body.Order.Quote)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.intents) != 1 || provider.intents["pi_1"].Amount != 9492 {
		t.Fatalf("expected one intent for 9492, got %+v", provider.intents)
	}
}
