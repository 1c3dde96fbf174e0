package domain

import "time"

// CartItem is a buyer's pending selection. Item and Master are denormalised,
// read-only references populated when the cart is loaded.
type CartItem struct {
	ID        string
	UserID    string
	ItemID    string
	MasterID  string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time

	Item   *ListingItem
	Master *ListingMaster
}

// CartSummaryLine is the priced view of a single cart item.
type CartSummaryLine struct {
	CartItemID   string
	ItemID       string
	Quantity     int
	QuotePending bool
	Unavailable  bool
	Breakdown    *PriceBreakdown
}

// CartSummary is the pre-checkout estimate for a buyer's cart. Lines are priced
// individually so the totals match the orders created from them to the cent.
type CartSummary struct {
	UserID         string
	Currency       string
	ItemCount      int
	Subtotal       Money
	EstimatedFees  Money
	EstimatedTax   Money
	EstimatedTotal Money
	Lines          []CartSummaryLine
}
