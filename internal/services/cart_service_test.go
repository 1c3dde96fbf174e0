package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/repositories"
	"github.com/localhands/marketplace/internal/repositories/memory"
)

type stubCartRepository struct {
	listFn func(context.Context, string) ([]domain.CartItem, error)
}

func (s *stubCartRepository) ListItems(ctx context.Context, userID string) ([]domain.CartItem, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubCartRepository) UpsertItem(_ context.Context, item domain.CartItem) (domain.CartItem, error) {
	return item, nil
}

func (s *stubCartRepository) MergeItem(_ context.Context, _, _ string, merge func(*domain.CartItem) (domain.CartItem, error)) (domain.CartItem, error) {
	return merge(nil)
}

func (s *stubCartRepository) DeleteItem(context.Context, string, string) error { return nil }

func (s *stubCartRepository) Clear(context.Context, string) error { return nil }

func newTestCartService(t *testing.T, repo repositories.CartRepository, listings *memory.ListingRepository, now time.Time) CartService {
	t.Helper()
	pricing, err := NewPricingEngine(PricingEngineDeps{Rates: PricingRates{PlatformFeePct: pct("5"), TaxPct: pct("13")}})
	if err != nil {
		t.Fatalf("pricing engine: %v", err)
	}
	seq := 0
	svc, err := NewCartService(CartServiceDeps{
		Repository: repo,
		Listings:   listings,
		Pricing:    pricing,
		Clock:      func() time.Time { return now },
		IDGenerator: func() string {
			seq++
			return string(rune('a' + seq - 1))
		},
	})
	if err != nil {
		t.Fatalf("NewCartService returned error: %v", err)
	}
	return svc
}

func TestCartServiceAddItemMergesLines(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	listings := memory.NewListingRepository()
	seedTestListings(listings)
	svc := newTestCartService(t, memory.NewCartRepository(), listings, now)

	first, err := svc.AddItem(ctx, AddCartItemCommand{UserID: testBuyerID, ItemID: "itm_fixed"})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if first.ID != "cit_a" || first.Quantity != 1 || first.Item == nil || first.Master == nil {
		t.Fatalf("unexpected first line %#v", first)
	}
	merged, err := svc.AddItem(ctx, AddCartItemCommand{UserID: testBuyerID, ItemID: "itm_fixed", Quantity: 2})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if merged.ID != first.ID || merged.Quantity != 3 {
		t.Fatalf("expected merge into %s with quantity 3, got %s/%d", first.ID, merged.ID, merged.Quantity)
	}

	items, err := svc.ListItems(ctx, testBuyerID)
	if err != nil {
		t.Fatalf("ListItems returned error: %v", err)
	}
	if len(items) != 1 || items[0].Item.Name != "Faucet swap" {
		t.Fatalf("unexpected items %#v", items)
	}

	if _, err := svc.AddItem(ctx, AddCartItemCommand{UserID: testBuyerID, ItemID: "itm_retired"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected inactive item to be rejected, got %v", err)
	}
	if _, err := svc.AddItem(ctx, AddCartItemCommand{UserID: testBuyerID, ItemID: "itm_fixed", Quantity: -2}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestCartServiceUpdateQuantityAndRemove(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	listings := memory.NewListingRepository()
	seedTestListings(listings)
	svc := newTestCartService(t, memory.NewCartRepository(), listings, now)

	line, err := svc.AddItem(ctx, AddCartItemCommand{UserID: testBuyerID, ItemID: "itm_rental", Quantity: 2})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	updated, err := svc.UpdateQuantity(ctx, UpdateCartItemCommand{UserID: testBuyerID, CartItemID: line.ID, Quantity: 4})
	if err != nil {
		t.Fatalf("UpdateQuantity returned error: %v", err)
	}
	if updated == nil || updated.Quantity != 4 || !updated.AddedAt.Equal(line.AddedAt) {
		t.Fatalf("unexpected updated line %#v", updated)
	}

	if _, err := svc.UpdateQuantity(ctx, UpdateCartItemCommand{UserID: testBuyerID, CartItemID: "cit_missing", Quantity: 1}); !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}

	removed, err := svc.UpdateQuantity(ctx, UpdateCartItemCommand{UserID: testBuyerID, CartItemID: line.ID, Quantity: 0})
	if err != nil || removed != nil {
		t.Fatalf("expected zero quantity to remove the line, got %#v %v", removed, err)
	}
	if err := svc.RemoveItem(ctx, RemoveCartItemCommand{UserID: testBuyerID, CartItemID: line.ID}); !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected second removal to report ErrCartItemNotFound, got %v", err)
	}
}

func TestCartSummaryMatchesOrderTotals(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	svc := newTestCartService(t, memory.NewCartRepository(), f.listings, f.now)

	for _, cmd := range []AddCartItemCommand{
		{UserID: testBuyerID, ItemID: "itm_fixed", Quantity: 2},
		{UserID: testBuyerID, ItemID: "itm_rental", Quantity: 3},
		{UserID: testBuyerID, ItemID: "itm_quote"},
	} {
		if _, err := svc.AddItem(ctx, cmd); err != nil {
			t.Fatalf("AddItem(%s) returned error: %v", cmd.ItemID, err)
		}
	}

	summary, err := svc.GetCartSummary(ctx, testBuyerID)
	if err != nil {
		t.Fatalf("GetCartSummary returned error: %v", err)
	}
	if summary.ItemCount != 6 || summary.Currency != "CAD" || len(summary.Lines) != 3 {
		t.Fatalf("unexpected summary header %#v", summary)
	}
	if summary.Subtotal.Amount != 65000 || summary.EstimatedFees.Amount != 3250 || summary.EstimatedTax.Amount != 8873 {
		t.Fatalf("unexpected components %d/%d/%d", summary.Subtotal.Amount, summary.EstimatedFees.Amount, summary.EstimatedTax.Amount)
	}
	if summary.EstimatedTotal.Amount != 77123 {
		t.Fatalf("expected estimated total 77123, got %d", summary.EstimatedTotal.Amount)
	}
	if !summary.Lines[2].QuotePending || summary.Lines[2].Breakdown != nil {
		t.Fatalf("expected quote line to be pending, got %#v", summary.Lines[2])
	}

	// Each priced line must equal the order created from it to the cent.
	for _, line := range summary.Lines[:2] {
		order, err := f.svc.CreateOrder(ctx, CreateOrderCommand{Flow: domain.FlowInstantPay, ItemID: line.ItemID, BuyerID: testBuyerID, Quantity: line.Quantity})
		if err != nil {
			t.Fatalf("CreateOrder(%s) returned error: %v", line.ItemID, err)
		}
		if order.Pricing.Total.Amount != line.Breakdown.Total.Amount {
			t.Fatalf("line %s: cart shows %d but order charges %d", line.ItemID, line.Breakdown.Total.Amount, order.Pricing.Total.Amount)
		}
	}
	if summary.Lines[1].Breakdown.Deposit == nil || summary.Lines[1].Breakdown.Deposit.Amount != 1_500_000 {
		t.Fatalf("expected rental deposit to be reported separately")
	}
}

func TestCartSummaryFlagsUnavailableLines(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	listings := memory.NewListingRepository()
	seedTestListings(listings)
	repo := &stubCartRepository{
		listFn: func(context.Context, string) ([]domain.CartItem, error) {
			return []domain.CartItem{
				{ID: "cit_1", ItemID: "itm_retired", Quantity: 1},
				{ID: "cit_2", ItemID: "itm_gone", Quantity: 1},
			}, nil
		},
	}
	svc := newTestCartService(t, repo, listings, now)

	summary, err := svc.GetCartSummary(ctx, testBuyerID)
	if err != nil {
		t.Fatalf("GetCartSummary returned error: %v", err)
	}
	for _, line := range summary.Lines {
		if !line.Unavailable {
			t.Fatalf("expected %s to be unavailable", line.ItemID)
		}
	}
	if summary.EstimatedTotal.Amount != 0 || summary.EstimatedTotal.Currency != "CAD" {
		t.Fatalf("unexpected total %#v", summary.EstimatedTotal)
	}
}

func TestCartServiceRequiresUser(t *testing.T) {
	listings := memory.NewListingRepository()
	svc := newTestCartService(t, memory.NewCartRepository(), listings, time.Now())
	if _, err := svc.GetCartSummary(context.Background(), "  "); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
	if err := svc.Clear(context.Background(), ""); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestCartServiceConcurrentAddsKeepEveryIncrement(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingRepository()
	seedTestListings(listings)
	pricing, err := NewPricingEngine(PricingEngineDeps{Rates: PricingRates{PlatformFeePct: pct("5"), TaxPct: pct("13")}})
	if err != nil {
		t.Fatalf("pricing engine: %v", err)
	}
	var mu sync.Mutex
	seq := 0
	svc, err := NewCartService(CartServiceDeps{
		Repository: memory.NewCartRepository(),
		Listings:   listings,
		Pricing:    pricing,
		IDGenerator: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("%02d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewCartService returned error: %v", err)
	}

	const adds = 12
	var wg sync.WaitGroup
	errs := make(chan error, adds)
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddItem(ctx, AddCartItemCommand{UserID: testBuyerID, ItemID: "itm_rental"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AddItem returned error: %v", err)
	}

	items, err := svc.ListItems(ctx, testBuyerID)
	if err != nil {
		t.Fatalf("ListItems returned error: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != adds {
		t.Fatalf("expected one line with quantity %d, got %#v", adds, items)
	}
}
