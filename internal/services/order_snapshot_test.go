package services

import (
	"reflect"
	"testing"

	domain "github.com/localhands/marketplace/internal/domain"
)

func TestBuildSnapshot_CopiesSources(t *testing.T) {
	deposit := domain.NewMoney(1_500_000, "CAD")
	master := domain.ListingMaster{
		ID:          "lst_1",
		Title:       "Camper trailer",
		Description: "Sleeps four",
		Images:      []string{"gs://listings/lst_1/a.jpg", "gs://listings/lst_1/b.jpg"},
	}
	item := domain.ListingItem{
		ID:           "itm_1",
		Name:         "Weekend rental",
		Description:  "Pick up Friday",
		PricingModel: domain.PricingModelDaily,
		UnitPrice:    domain.NewMoney(20000, "CAD"),
		PriceUnit:    "day",
		Deposit:      &deposit,
	}
	provider := domain.ProviderProfile{ID: "prv_1", DisplayName: "Sam's Rentals", Badges: []string{"verified"}}

	snapshot := BuildSnapshot(master, item, provider)
	want := snapshot.Clone()

	master.Title = "Renamed"
	master.Images[0] = "gs://listings/lst_1/replaced.jpg"
	master.Images = append(master.Images, "gs://listings/lst_1/c.jpg")
	item.UnitPrice = domain.NewMoney(99999, "CAD")
	deposit.Amount = 1
	provider.Badges[0] = "suspended"

	if !reflect.DeepEqual(snapshot, want) {
		t.Fatalf("snapshot changed after source mutation:\n got %+v\nwant %+v", snapshot, want)
	}
	if snapshot.MasterImages[0] != "gs://listings/lst_1/a.jpg" {
		t.Fatalf("expected original image, got %s", snapshot.MasterImages[0])
	}
	if snapshot.ItemPricing.Deposit == nil || snapshot.ItemPricing.Deposit.Amount != 1_500_000 {
		t.Fatalf("expected deposit to be frozen, got %+v", snapshot.ItemPricing.Deposit)
	}
	if snapshot.ProviderBadges[0] != "verified" {
		t.Fatalf("expected provider badge to be frozen, got %v", snapshot.ProviderBadges)
	}
}

func TestBuildSnapshot_NilSlicesBecomeEmpty(t *testing.T) {
	snapshot := BuildSnapshot(domain.ListingMaster{Title: "Tutoring"}, domain.ListingItem{Name: "1h"}, domain.ProviderProfile{})
	if snapshot.MasterImages == nil || snapshot.ProviderBadges == nil {
		t.Fatalf("expected empty slices, got %#v / %#v", snapshot.MasterImages, snapshot.ProviderBadges)
	}
}
