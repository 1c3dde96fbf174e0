package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	pfirestore "github.com/localhands/marketplace/internal/platform/firestore"
	"github.com/localhands/marketplace/internal/repositories"
)

const (
	listingMastersCollection = "listings"
	listingItemsCollection   = "listingItems"
	providersCollection      = "providers"
)

// ListingRepository reads the catalogue written by the listing service. The order
// engine never writes these collections.
type ListingRepository struct {
	masters   *pfirestore.BaseRepository[listingMasterDocument]
	items     *pfirestore.BaseRepository[listingItemDocument]
	providers *pfirestore.BaseRepository[providerDocument]
}

var _ repositories.ListingRepository = (*ListingRepository)(nil)

// NewListingRepository constructs a Firestore-backed listing reader.
func NewListingRepository(provider *pfirestore.Provider) (*ListingRepository, error) {
	if provider == nil {
		return nil, errors.New("listing repository requires firestore provider")
	}
	return &ListingRepository{
		masters:   pfirestore.NewBaseRepository[listingMasterDocument](provider, listingMastersCollection, nil, nil),
		items:     pfirestore.NewBaseRepository[listingItemDocument](provider, listingItemsCollection, nil, nil),
		providers: pfirestore.NewBaseRepository[providerDocument](provider, providersCollection, nil, nil),
	}, nil
}

func (r *ListingRepository) GetMaster(ctx context.Context, masterID string) (domain.ListingMaster, error) {
	doc, err := r.masters.Get(ctx, strings.TrimSpace(masterID))
	if err != nil {
		return domain.ListingMaster{}, err
	}
	return domain.ListingMaster{
		ID:          doc.ID,
		ProviderID:  doc.Data.ProviderID,
		Title:       doc.Data.Title,
		Description: doc.Data.Description,
		Images:      append([]string(nil), doc.Data.Images...),
		Category:    doc.Data.Category,
		UpdatedAt:   doc.Data.UpdatedAt.UTC(),
	}, nil
}

func (r *ListingRepository) GetItem(ctx context.Context, itemID string) (domain.ListingItem, error) {
	doc, err := r.items.Get(ctx, strings.TrimSpace(itemID))
	if err != nil {
		return domain.ListingItem{}, err
	}
	data := doc.Data
	item := domain.ListingItem{
		ID:           doc.ID,
		MasterID:     data.MasterID,
		Name:         data.Name,
		Description:  data.Description,
		PricingModel: domain.PricingModel(strings.ToUpper(strings.TrimSpace(data.PricingModel))),
		UnitPrice:    data.UnitPrice.Reformat(),
		PriceUnit:    data.PriceUnit,
		Active:       data.Active,
		UpdatedAt:    data.UpdatedAt.UTC(),
	}
	if data.Deposit != nil && data.Deposit.Amount > 0 {
		deposit := data.Deposit.Reformat()
		item.Deposit = &deposit
	}
	if data.VisitFee != nil && data.VisitFee.Amount > 0 {
		fee := data.VisitFee.Reformat()
		item.VisitFee = &fee
	}
	return item, nil
}

func (r *ListingRepository) GetProvider(ctx context.Context, providerID string) (domain.ProviderProfile, error) {
	doc, err := r.providers.Get(ctx, strings.TrimSpace(providerID))
	if err != nil {
		return domain.ProviderProfile{}, err
	}
	return domain.ProviderProfile{
		ID:          doc.ID,
		UserID:      strings.TrimSpace(doc.Data.UserID),
		DisplayName: doc.Data.DisplayName,
		Badges:      append([]string(nil), doc.Data.Badges...),
	}, nil
}

type listingMasterDocument struct {
	ProviderID  string    `firestore:"providerId"`
	Title       string    `firestore:"title"`
	Description string    `firestore:"description"`
	Images      []string  `firestore:"images,omitempty"`
	Category    string    `firestore:"category,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

type listingItemDocument struct {
	MasterID     string        `firestore:"masterId"`
	Name         string        `firestore:"name"`
	Description  string        `firestore:"description,omitempty"`
	PricingModel string        `firestore:"pricingModel"`
	UnitPrice    domain.Money  `firestore:"unitPrice"`
	PriceUnit    string        `firestore:"priceUnit,omitempty"`
	Deposit      *domain.Money `firestore:"deposit,omitempty"`
	VisitFee     *domain.Money `firestore:"visitFee,omitempty"`
	Active       bool          `firestore:"active"`
	UpdatedAt    time.Time     `firestore:"updatedAt"`
}

type providerDocument struct {
	UserID      string   `firestore:"userId"`
	DisplayName string   `firestore:"displayName"`
	Badges      []string `firestore:"badges,omitempty"`
}
