package repositories

import (
	"context"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Listings() ListingRepository
	Carts() CartRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders. Every update is a compare-and-set on Version so two
// concurrent transitions of the same order cannot both win.
type OrderRepository interface {
	// Create stores order unless the request key was already used, in which case the
	// previously created order is returned with Created=false.
	Create(ctx context.Context, order domain.Order, req OrderCreateRequest) (OrderCreateResult, error)
	// FindByRequestKey returns the order created under key together with the fingerprint
	// recorded for it. Unknown keys yield a not-found RepositoryError.
	FindByRequestKey(ctx context.Context, key string) (OrderCreateResult, error)
	// Update replaces the stored order when its version still equals expectedVersion.
	// A mismatch yields a conflict RepositoryError.
	Update(ctx context.Context, order domain.Order, expectedVersion int64) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListDueForAutoComplete returns IN_PROGRESS orders whose auto-complete time is at or before now.
	ListDueForAutoComplete(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
}

// OrderCreateRequest deduplicates order creation. Key identifies the buyer's request;
// Fingerprint summarises its payload so a reused key with different input is detectable.
type OrderCreateRequest struct {
	Key         string
	Fingerprint string
	CreatedAt   time.Time
}

// OrderCreateResult reports the stored order and whether this call created it.
type OrderCreateResult struct {
	Order       domain.Order
	Created     bool
	Fingerprint string
}

// OrderListFilter narrows order listings to a party and optional statuses.
type OrderListFilter struct {
	BuyerID        string
	ProviderUserID string
	Statuses       []domain.OrderStatus
	Pagination     domain.Pagination
}

// ListingRepository reads the catalogue owned by the listing service.
type ListingRepository interface {
	GetMaster(ctx context.Context, masterID string) (domain.ListingMaster, error)
	GetItem(ctx context.Context, itemID string) (domain.ListingItem, error)
	GetProvider(ctx context.Context, providerID string) (domain.ProviderProfile, error)
}

// CartRepository owns cart line persistence keyed by user.
type CartRepository interface {
	ListItems(ctx context.Context, userID string) ([]domain.CartItem, error)
	UpsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error)
	// MergeItem atomically rewrites the user's line for itemID. merge receives the stored
	// line, or nil when the item is not in the cart yet, and returns the line to store.
	// An error from merge aborts the write and is returned as is.
	MergeItem(ctx context.Context, userID, itemID string, merge func(existing *domain.CartItem) (domain.CartItem, error)) (domain.CartItem, error)
	DeleteItem(ctx context.Context, userID string, cartItemID string) error
	Clear(ctx context.Context, userID string) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
