package memory

import (
	"context"
	"sync"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/repositories"
)

// ListingRepository serves listings seeded in process.
type ListingRepository struct {
	mu        sync.RWMutex
	masters   map[string]domain.ListingMaster
	items     map[string]domain.ListingItem
	providers map[string]domain.ProviderProfile
}

var _ repositories.ListingRepository = (*ListingRepository)(nil)

func NewListingRepository() *ListingRepository {
	return &ListingRepository{
		masters:   make(map[string]domain.ListingMaster),
		items:     make(map[string]domain.ListingItem),
		providers: make(map[string]domain.ProviderProfile),
	}
}

// Seed stores a provider, its master listing and the master's items.
func (r *ListingRepository) Seed(provider domain.ProviderProfile, master domain.ListingMaster, items ...domain.ListingItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID] = provider
	r.masters[master.ID] = master
	for _, item := range items {
		r.items[item.ID] = item
	}
}

func (r *ListingRepository) GetMaster(_ context.Context, masterID string) (domain.ListingMaster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	master, ok := r.masters[masterID]
	if !ok {
		return domain.ListingMaster{}, repositories.NewNotFoundError("listings.master", "master %s not found", masterID)
	}
	return master, nil
}

func (r *ListingRepository) GetItem(_ context.Context, itemID string) (domain.ListingItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[itemID]
	if !ok {
		return domain.ListingItem{}, repositories.NewNotFoundError("listings.item", "item %s not found", itemID)
	}
	return item, nil
}

func (r *ListingRepository) GetProvider(_ context.Context, providerID string) (domain.ProviderProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[providerID]
	if !ok {
		return domain.ProviderProfile{}, repositories.NewNotFoundError("listings.provider", "provider %s not found", providerID)
	}
	return provider, nil
}
