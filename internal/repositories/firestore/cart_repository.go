package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/localhands/marketplace/internal/domain"
	pfirestore "github.com/localhands/marketplace/internal/platform/firestore"
	"github.com/localhands/marketplace/internal/repositories"
)

const (
	cartCollection      = "carts"
	cartItemsCollection = "items"
)

// CartRepository persists cart lines under carts/{userId}/items. The cart header
// document carries the line count and last update so list views need not read lines.
type CartRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{provider: provider}, nil
}

func (r *CartRepository) ListItems(ctx context.Context, userID string) ([]domain.CartItem, error) {
	header, err := r.header(ctx, userID)
	if err != nil {
		return nil, err
	}
	snaps, err := header.Collection(cartItemsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("carts.list", err)
	}
	items, err := decodeCartItems(userID, snaps)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *CartRepository) UpsertItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		return domain.CartItem{}, errors.New("cart repository: cart item id is required")
	}
	header, err := r.header(ctx, item.UserID)
	if err != nil {
		return domain.CartItem{}, err
	}
	lines := header.Collection(cartItemsCollection)
	ref := lines.Doc(item.ID)

	saved := item
	saved.Item = nil
	saved.Master = nil
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(lines).GetAll()
		if err != nil {
			return err
		}
		count := len(snaps)
		for _, snap := range snaps {
			if snap.Ref.ID != item.ID {
				continue
			}
			count--
			var existing cartItemDocument
			if err := snap.DataTo(&existing); err == nil && !existing.AddedAt.IsZero() {
				saved.AddedAt = existing.AddedAt.UTC()
			}
		}
		if err := tx.Set(ref, encodeCartItem(saved)); err != nil {
			return err
		}
		return tx.Set(header, cartDocument{ItemsCount: count + 1, UpdatedAt: saved.UpdatedAt.UTC()})
	})
	if err != nil {
		return domain.CartItem{}, pfirestore.WrapError("carts.upsert", err)
	}
	return saved, nil
}

// MergeItem reads the cart lines inside a transaction, so concurrent merges for the same
// item are serialised by Firestore's contention retries instead of overwriting each other.
func (r *CartRepository) MergeItem(ctx context.Context, userID, itemID string, merge func(existing *domain.CartItem) (domain.CartItem, error)) (domain.CartItem, error) {
	header, err := r.header(ctx, userID)
	if err != nil {
		return domain.CartItem{}, err
	}
	lines := header.Collection(cartItemsCollection)

	var saved domain.CartItem
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(lines).GetAll()
		if err != nil {
			return err
		}
		current, err := decodeCartItems(userID, snaps)
		if err != nil {
			return err
		}
		var existing *domain.CartItem
		for i := range current {
			if current[i].ItemID == itemID {
				existing = &current[i]
				break
			}
		}
		item, err := merge(existing)
		if err != nil {
			return err
		}
		if strings.TrimSpace(item.ID) == "" {
			return errors.New("cart repository: cart item id is required")
		}
		item.Item = nil
		item.Master = nil
		count := len(snaps)
		if existing == nil {
			count++
		}
		if err := tx.Set(lines.Doc(item.ID), encodeCartItem(item)); err != nil {
			return err
		}
		if err := tx.Set(header, cartDocument{ItemsCount: count, UpdatedAt: item.UpdatedAt.UTC()}); err != nil {
			return err
		}
		saved = item
		return nil
	})
	if err != nil {
		return domain.CartItem{}, pfirestore.WrapError("carts.merge", err)
	}
	return saved, nil
}

func (r *CartRepository) DeleteItem(ctx context.Context, userID string, cartItemID string) error {
	header, err := r.header(ctx, userID)
	if err != nil {
		return err
	}
	lines := header.Collection(cartItemsCollection)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(lines).GetAll()
		if err != nil {
			return err
		}
		found := false
		for _, snap := range snaps {
			if snap.Ref.ID == cartItemID {
				found = true
			}
		}
		if !found {
			return pfirestore.NotFound("carts.delete", "cart item %s not found", cartItemID)
		}
		if err := tx.Delete(lines.Doc(cartItemID)); err != nil {
			return err
		}
		return tx.Set(header, cartDocument{ItemsCount: len(snaps) - 1, UpdatedAt: time.Now().UTC()})
	})
	return pfirestore.WrapError("carts.delete", err)
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	header, err := r.header(ctx, userID)
	if err != nil {
		return err
	}
	lines := header.Collection(cartItemsCollection)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs, err := tx.Documents(lines).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range refs {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		return tx.Delete(header)
	})
	return pfirestore.WrapError("carts.clear", err)
}

func (r *CartRepository) header(ctx context.Context, userID string) (*firestore.DocumentRef, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("cart repository: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(cartCollection).Doc(uid), nil
}

func decodeCartItems(userID string, snaps []*firestore.DocumentSnapshot) ([]domain.CartItem, error) {
	items := make([]domain.CartItem, 0, len(snaps))
	for _, snap := range snaps {
		var doc cartItemDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("carts.decode", err)
		}
		items = append(items, domain.CartItem{
			ID:        snap.Ref.ID,
			UserID:    userID,
			ItemID:    doc.ItemID,
			MasterID:  doc.MasterID,
			Quantity:  doc.Quantity,
			AddedAt:   doc.AddedAt.UTC(),
			UpdatedAt: doc.UpdatedAt.UTC(),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].AddedAt.Before(items[j].AddedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func encodeCartItem(item domain.CartItem) cartItemDocument {
	return cartItemDocument{
		ItemID:    item.ItemID,
		MasterID:  item.MasterID,
		Quantity:  item.Quantity,
		AddedAt:   item.AddedAt.UTC(),
		UpdatedAt: item.UpdatedAt.UTC(),
	}
}

type cartDocument struct {
	ItemsCount int       `firestore:"itemsCount"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ItemID    string    `firestore:"itemId"`
	MasterID  string    `firestore:"masterId"`
	Quantity  int       `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}
