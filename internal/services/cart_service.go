package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/repositories"
)

const (
	cartItemIDPrefix = "cit_"
	maxCartQuantity  = 365
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartListingsRequired   = errors.New("cart service: listing repository is required")
	errCartPricingRequired    = errors.New("cart service: pricing engine is required")
)

// CartServiceDeps wires the repository and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Listings        repositories.ListingRepository
	Pricing         *PricingEngine
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	repo     repositories.CartRepository
	listings repositories.ListingRepository
	pricing  *PricingEngine
	newID    func() string
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Listings == nil {
		return nil, errCartListingsRequired
	}
	if deps.Pricing == nil {
		return nil, errCartPricingRequired
	}

	defaultCurrency := domain.NormalizeCurrency(deps.DefaultCurrency)
	if defaultCurrency == "" {
		defaultCurrency = "CAD"
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &cartService{
		repo:     deps.Repository,
		listings: deps.Listings,
		pricing:  deps.Pricing,
		newID:    idGen,
		now:      func() time.Time { return clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}, nil
}

// ListItems returns the user's cart lines with their listing item and master attached.
// Lines whose listing disappeared are returned without the references.
func (s *cartService) ListItems(ctx context.Context, userID string) ([]CartItem, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	items, err := s.repo.ListItems(ctx, uid)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	for i := range items {
		s.hydrate(ctx, &items[i])
	}
	return items, nil
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartItem, error) {
	uid := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if uid == "" || itemID == "" {
		return CartItem{}, fmt.Errorf("%w: user id and item id are required", ErrCartInvalidInput)
	}
	quantity := cmd.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return CartItem{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, cmd.Quantity)
	}

	item, err := s.listings.GetItem(ctx, itemID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CartItem{}, fmt.Errorf("%w: item %s not found", ErrCartInvalidInput, itemID)
		}
		return CartItem{}, s.translateRepoError(err)
	}
	if !item.Active {
		return CartItem{}, fmt.Errorf("%w: item %s is not available", ErrCartInvalidInput, itemID)
	}

	now := s.now()
	lineID := cartItemIDPrefix + s.newID()
	saved, err := s.repo.MergeItem(ctx, uid, item.ID, func(existing *CartItem) (CartItem, error) {
		line := CartItem{
			ID:       lineID,
			UserID:   uid,
			ItemID:   item.ID,
			MasterID: item.MasterID,
			AddedAt:  now,
		}
		if existing != nil {
			line = *existing
		}
		line.Quantity += quantity
		if line.Quantity > maxCartQuantity {
			return CartItem{}, fmt.Errorf("%w: quantity %d exceeds %d", ErrInvalidQuantity, line.Quantity, maxCartQuantity)
		}
		line.UpdatedAt = now
		return line, nil
	})
	if errors.Is(err, ErrInvalidQuantity) {
		return CartItem{}, err
	}
	if err != nil {
		return CartItem{}, s.translateRepoError(err)
	}
	s.hydrate(ctx, &saved)
	return saved, nil
}

// UpdateQuantity sets the quantity of a line. A zero quantity removes the line and
// returns nil.
func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateCartItemCommand) (*CartItem, error) {
	uid := strings.TrimSpace(cmd.UserID)
	lineID := strings.TrimSpace(cmd.CartItemID)
	if uid == "" || lineID == "" {
		return nil, fmt.Errorf("%w: user id and cart item id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 0 || cmd.Quantity > maxCartQuantity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, cmd.Quantity)
	}
	if cmd.Quantity == 0 {
		return nil, s.RemoveItem(ctx, RemoveCartItemCommand{UserID: uid, CartItemID: lineID})
	}

	lines, err := s.repo.ListItems(ctx, uid)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	for _, line := range lines {
		if line.ID != lineID {
			continue
		}
		line.Quantity = cmd.Quantity
		line.UpdatedAt = s.now()
		saved, err := s.repo.UpsertItem(ctx, line)
		if err != nil {
			return nil, s.translateRepoError(err)
		}
		s.hydrate(ctx, &saved)
		return &saved, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCartItemNotFound, lineID)
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) error {
	uid := strings.TrimSpace(cmd.UserID)
	lineID := strings.TrimSpace(cmd.CartItemID)
	if uid == "" || lineID == "" {
		return fmt.Errorf("%w: user id and cart item id are required", ErrCartInvalidInput)
	}
	if err := s.repo.DeleteItem(ctx, uid, lineID); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) Clear(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.repo.Clear(ctx, uid); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

// GetCartSummary prices every line with the same engine call an instant-pay order for
// that line would make, then sums the lines. Quote-priced and unavailable lines are
// listed but contribute nothing.
func (s *cartService) GetCartSummary(ctx context.Context, userID string) (CartSummary, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return CartSummary{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	lines, err := s.repo.ListItems(ctx, uid)
	if err != nil {
		return CartSummary{}, s.translateRepoError(err)
	}

	summary := CartSummary{
		UserID:   uid,
		Currency: s.currency,
		Lines:    make([]domain.CartSummaryLine, 0, len(lines)),
	}
	var subtotal, fees, tax, total int64
	priced := 0

	for _, line := range lines {
		summary.ItemCount += line.Quantity
		out := domain.CartSummaryLine{CartItemID: line.ID, ItemID: line.ItemID, Quantity: line.Quantity}

		item, err := s.listings.GetItem(ctx, line.ItemID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
				return CartSummary{}, s.translateRepoError(err)
			}
			out.Unavailable = true
			summary.Lines = append(summary.Lines, out)
			continue
		}
		switch {
		case !item.Active:
			out.Unavailable = true
		case item.PricingModel == domain.PricingModelQuote:
			out.QuotePending = true
		default:
			breakdown, err := s.pricing.PriceItem(PriceItemRequest{Item: item, Quantity: line.Quantity})
			if err != nil {
				return CartSummary{}, fmt.Errorf("cart service: price line %s: %w", line.ID, err)
			}
			if priced == 0 {
				summary.Currency = breakdown.Total.Currency
			} else if breakdown.Total.Currency != summary.Currency {
				return CartSummary{}, fmt.Errorf("%w: cart mixes %s and %s", ErrCartInvalidInput, summary.Currency, breakdown.Total.Currency)
			}
			priced++
			subtotal += breakdown.BaseAmount.Amount
			fees += breakdown.Fees()
			tax += breakdown.Tax()
			total += breakdown.Total.Amount
			out.Breakdown = &breakdown
		}
		summary.Lines = append(summary.Lines, out)
	}

	summary.Subtotal = domain.NewMoney(subtotal, summary.Currency)
	summary.EstimatedFees = domain.NewMoney(fees, summary.Currency)
	summary.EstimatedTax = domain.NewMoney(tax, summary.Currency)
	summary.EstimatedTotal = domain.NewMoney(total, summary.Currency)
	return summary, nil
}

func (s *cartService) hydrate(ctx context.Context, line *CartItem) {
	item, err := s.listings.GetItem(ctx, line.ItemID)
	if err != nil {
		s.logger(ctx, "cart.item.hydrate.failed", map[string]any{
			"cartItemId": line.ID,
			"itemId":     line.ItemID,
			"error":      err.Error(),
		})
		return
	}
	line.Item = &item
	master, err := s.listings.GetMaster(ctx, item.MasterID)
	if err != nil {
		return
	}
	line.Master = &master
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartItemNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}
