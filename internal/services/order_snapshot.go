package services

import (
	"slices"

	domain "github.com/localhands/marketplace/internal/domain"
)

// BuildSnapshot freezes the display data of a listing master, item and provider.
// It copies every slice so later edits to the sources never reach the snapshot.
func BuildSnapshot(master domain.ListingMaster, item domain.ListingItem, provider domain.ProviderProfile) domain.OrderSnapshot {
	snapshot := domain.OrderSnapshot{
		MasterTitle:       master.Title,
		MasterDescription: master.Description,
		MasterImages:      copyStrings(master.Images),
		ItemName:          item.Name,
		ItemDescription:   item.Description,
		ItemPricing: domain.ItemPricingSnapshot{
			Model:     item.PricingModel,
			UnitPrice: item.UnitPrice.Reformat(),
			PriceUnit: item.PriceUnit,
		},
		ProviderName:   provider.DisplayName,
		ProviderBadges: copyStrings(provider.Badges),
	}
	if item.Deposit != nil {
		deposit := item.Deposit.Reformat()
		snapshot.ItemPricing.Deposit = &deposit
	}
	if item.VisitFee != nil {
		fee := item.VisitFee.Reformat()
		snapshot.ItemPricing.VisitFee = &fee
	}
	return snapshot
}

func copyStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return slices.Clone(values)
}
