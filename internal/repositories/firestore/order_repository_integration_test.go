//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/platform/firestore/firestoretest"
	"github.com/localhands/marketplace/internal/repositories"
)

func TestOrderRepositoryIntegration(t *testing.T) {
	provider := firestoretest.Provider(t, "orders-test")
	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	order := integrationOrder("ord_1", base)
	created, err := repo.Create(ctx, order, repositories.OrderCreateRequest{Key: "req-1", Fingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.Created {
		t.Fatalf("expected first create to store the order")
	}

	replay, err := repo.Create(ctx, integrationOrder("ord_2", base), repositories.OrderCreateRequest{Key: "req-1", Fingerprint: "fp-other"})
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if replay.Created || replay.Order.ID != "ord_1" || replay.Fingerprint != "fp-1" {
		t.Fatalf("expected request key to resolve to ord_1, got %+v", replay)
	}

	stored, err := repo.FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Pricing == nil || stored.Pricing.Total.Amount != 2966 || stored.Metadata.InstantPay == nil {
		t.Fatalf("order did not round trip: %+v", stored)
	}

	// Two writers holding version 1: exactly one update lands.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, status := range []domain.OrderStatus{domain.OrderStatusInProgress, domain.OrderStatusCancelled} {
		wg.Add(1)
		go func(status domain.OrderStatus) {
			defer wg.Done()
			next := stored.Clone()
			next.Status = status
			next.Version = stored.Version + 1
			err := repo.Update(ctx, next, stored.Version)
			mu.Lock()
			defer mu.Unlock()
			var repoErr repositories.RepositoryError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &repoErr) && repoErr.IsConflict():
				conflicts++
			default:
				t.Errorf("unexpected update error: %v", err)
			}
		}(status)
	}
	wg.Wait()
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one win and one conflict, got %d/%d", wins, conflicts)
	}

	current, err := repo.FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("find after update: %v", err)
	}
	next := current.Clone()
	next.PaymentIntentID = "pi_second"
	next.Version++
	if err := repo.Update(ctx, next, current.Version); err != nil {
		t.Fatalf("attach intent: %v", err)
	}
	for _, intent := range []string{"pi_first", "pi_second"} {
		found, err := repo.FindByPaymentIntent(ctx, intent)
		if err != nil || found.ID != "ord_1" {
			t.Fatalf("expected %s to resolve to ord_1, got %v %v", intent, found.ID, err)
		}
	}
	if _, err := repo.FindByPaymentIntent(ctx, "pi_unknown"); !isNotFound(err) {
		t.Fatalf("expected not found for unknown intent, got %v", err)
	}

	for i := 2; i <= 4; i++ {
		o := integrationOrder(fmt.Sprintf("ord_%d", i), base.Add(time.Duration(i)*time.Minute))
		if _, err := repo.Create(ctx, o, repositories.OrderCreateRequest{}); err != nil {
			t.Fatalf("seed %s: %v", o.ID, err)
		}
	}
	first, err := repo.List(ctx, repositories.OrderListFilter{BuyerID: "buyer-1", Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].ID != "ord_4" || first.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := repo.List(ctx, repositories.OrderListFilter{BuyerID: "buyer-1", Pagination: domain.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second.Items) != 2 || second.Items[1].ID != "ord_1" || second.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", second)
	}

	due := integrationOrder("ord_due", base)
	due.Status = domain.OrderStatusInProgress
	at := base.Add(24 * time.Hour)
	due.AutoCompleteAt = &at
	if _, err := repo.Create(ctx, due, repositories.OrderCreateRequest{}); err != nil {
		t.Fatalf("seed due order: %v", err)
	}
	early, err := repo.ListDueForAutoComplete(ctx, at.Add(-time.Minute), 10)
	if err != nil || len(early) != 0 {
		t.Fatalf("expected nothing due early, got %d %v", len(early), err)
	}
	late, err := repo.ListDueForAutoComplete(ctx, at, 10)
	if err != nil || len(late) != 1 || late[0].ID != "ord_due" {
		t.Fatalf("expected ord_due to be due, got %+v %v", late, err)
	}
}

func integrationOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:             id,
		MasterID:       "mst_1",
		ItemID:         "itm_fixed",
		BuyerID:        "buyer-1",
		ProviderID:     "prov_1",
		ProviderUserID: "6f1c2a7e-3b9d-4c8e-9a1f-2d3e4f5a6b7c",
		Flow:           domain.FlowInstantPay,
		Status:         domain.OrderStatusPendingPayment,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Quantity:       1,
		Currency:       "CAD",
		Pricing: &domain.PriceBreakdown{
			BaseAmount:  domain.NewMoney(2500, "CAD"),
			PlatformFee: domain.NewMoney(125, "CAD"),
			Total:       domain.NewMoney(2966, "CAD"),
		},
		Metadata: domain.OrderMetadata{
			Flow:       domain.FlowInstantPay,
			InstantPay: &domain.InstantPayMetadata{AutoCompleteAfter: 24 * time.Hour},
		},
		PaymentIntentID: "pi_first",
		Version:         1,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}
