package memory

import (
	"context"
	"sort"
	"sync"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/repositories"
)

// CartRepository keeps cart lines per user in process.
type CartRepository struct {
	mu    sync.Mutex
	carts map[string]map[string]domain.CartItem
}

var _ repositories.CartRepository = (*CartRepository)(nil)

func NewCartRepository() *CartRepository {
	return &CartRepository{carts: make(map[string]map[string]domain.CartItem)}
}

func (r *CartRepository) ListItems(_ context.Context, userID string) ([]domain.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.carts[userID]
	items := make([]domain.CartItem, 0, len(lines))
	for _, item := range lines {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].AddedAt.Before(items[j].AddedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *CartRepository) UpsertItem(_ context.Context, item domain.CartItem) (domain.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines, ok := r.carts[item.UserID]
	if !ok {
		lines = make(map[string]domain.CartItem)
		r.carts[item.UserID] = lines
	}
	if existing, ok := lines[item.ID]; ok && !existing.AddedAt.IsZero() {
		item.AddedAt = existing.AddedAt
	}
	item.Item = nil
	item.Master = nil
	lines[item.ID] = item
	return item, nil
}

func (r *CartRepository) MergeItem(_ context.Context, userID, itemID string, merge func(existing *domain.CartItem) (domain.CartItem, error)) (domain.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines, ok := r.carts[userID]
	if !ok {
		lines = make(map[string]domain.CartItem)
		r.carts[userID] = lines
	}
	var existing *domain.CartItem
	for _, line := range lines {
		if line.ItemID == itemID {
			found := line
			existing = &found
			break
		}
	}
	item, err := merge(existing)
	if err != nil {
		return domain.CartItem{}, err
	}
	if existing != nil && item.ID != existing.ID {
		delete(lines, existing.ID)
	}
	item.Item = nil
	item.Master = nil
	lines[item.ID] = item
	return item, nil
}

func (r *CartRepository) DeleteItem(_ context.Context, userID string, cartItemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.carts[userID][cartItemID]; !ok {
		return repositories.NewNotFoundError("carts.delete", "cart item %s not found", cartItemID)
	}
	delete(r.carts[userID], cartItemID)
	return nil
}

func (r *CartRepository) Clear(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, userID)
	return nil
}
