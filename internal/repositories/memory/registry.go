package memory

import (
	"context"
	"sync"

	"github.com/localhands/marketplace/internal/repositories"
)

// Registry bundles the in-process repositories. RunInTx serialises callers instead of
// providing rollback; each repository method is already atomic on its own.
type Registry struct {
	orders   *OrderRepository
	listings *ListingRepository
	carts    *CartRepository
	health   repositories.HealthRepository
	txMu     sync.Mutex
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry returns empty stores. listings may be nil.
func NewRegistry(listings *ListingRepository) *Registry {
	if listings == nil {
		listings = NewListingRepository()
	}
	health, _ := repositories.NewProbeHealthRepository([]repositories.Probe{
		{Name: "memory", Check: func(context.Context) error { return nil }},
	})
	return &Registry{
		orders:   NewOrderRepository(),
		listings: listings,
		carts:    NewCartRepository(),
		health:   health,
	}
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Listings() repositories.ListingRepository { return r.listings }
func (r *Registry) Carts() repositories.CartRepository       { return r.carts }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// ListingStore exposes the concrete listing store for seeding.
func (r *Registry) ListingStore() *ListingRepository { return r.listings }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx)
}

func (r *Registry) Close(context.Context) error { return nil }
