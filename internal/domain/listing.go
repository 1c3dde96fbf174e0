package domain

import "time"

// ListingMaster is the provider-owned listing that groups purchasable items.
// It is read-only from the order engine's perspective.
type ListingMaster struct {
	ID          string
	ProviderID  string
	Title       string
	Description string
	Images      []string
	Category    string
	UpdatedAt   time.Time
}

// ListingItem is a purchasable variant of a listing master.
type ListingItem struct {
	ID           string
	MasterID     string
	Name         string
	Description  string
	PricingModel PricingModel
	UnitPrice    Money
	PriceUnit    string
	Deposit      *Money
	VisitFee     *Money
	Active       bool
	UpdatedAt    time.Time
}

// ProviderProfile carries the provider display data frozen into order snapshots.
type ProviderProfile struct {
	ID          string
	UserID      string
	DisplayName string
	Badges      []string
}

// ItemPricingSnapshot freezes the pricing terms shown to the buyer at order time.
type ItemPricingSnapshot struct {
	Model     PricingModel `json:"model" firestore:"model"`
	UnitPrice Money        `json:"unitPrice" firestore:"unitPrice"`
	PriceUnit string       `json:"priceUnit,omitempty" firestore:"priceUnit,omitempty"`
	Deposit   *Money       `json:"deposit,omitempty" firestore:"deposit,omitempty"`
	VisitFee  *Money       `json:"visitFee,omitempty" firestore:"visitFee,omitempty"`
}
