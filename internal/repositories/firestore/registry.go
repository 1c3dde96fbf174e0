package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/localhands/marketplace/internal/platform/firestore"
	"github.com/localhands/marketplace/internal/repositories"
)

// Registry exposes the Firestore repositories behind repositories.Registry. RunInTx
// opens a Firestore transaction that nested repository calls join.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	listings *ListingRepository
	carts    *CartRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on provider. The Firestore probe is always part
// of the health repository; extra probes cover the other dependencies.
func NewRegistry(provider *pfirestore.Provider, extra ...repositories.Probe) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	listings, err := NewListingRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	probes := append([]repositories.Probe{{Name: "firestore", Check: provider.Ping}}, extra...)
	health, err := repositories.NewProbeHealthRepository(probes)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		orders:   orders,
		listings: listings,
		carts:    carts,
		health:   health,
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Listings() repositories.ListingRepository { return r.listings }
func (r *Registry) Carts() repositories.CartRepository       { return r.carts }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
