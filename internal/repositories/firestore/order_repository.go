package firestore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/localhands/marketplace/internal/domain"
	pfirestore "github.com/localhands/marketplace/internal/platform/firestore"
	"github.com/localhands/marketplace/internal/platform/pagination"
	"github.com/localhands/marketplace/internal/repositories"
)

const (
	ordersCollection        = "orders"
	orderRequestsCollection = "orderRequests"
)

// OrderRepository stores orders as one document each. Creates and updates run in
// transactions: updates compare the stored version, creates claim the request key.
//
// Queries need composite indexes on (buyerId, createdAt desc, __name__ desc),
// (providerUserId, createdAt desc, __name__ desc), the same two with status, and
// (status, autoCompleteAt).
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	requests *pfirestore.BaseRepository[orderRequestDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		requests: pfirestore.NewBaseRepository[orderRequestDocument](provider, orderRequestsCollection, nil, nil),
	}, nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order, req repositories.OrderCreateRequest) (repositories.OrderCreateResult, error) {
	var result repositories.OrderCreateResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if req.Key != "" {
			claimed, err := r.requests.Get(ctx, req.Key)
			switch {
			case err == nil:
				existing, err := r.orders.Get(ctx, claimed.Data.OrderID)
				if err != nil {
					return err
				}
				result = repositories.OrderCreateResult{
					Order:       decodeOrder(existing),
					Created:     false,
					Fingerprint: claimed.Data.Fingerprint,
				}
				return nil
			case !isNotFound(err):
				return err
			}
		}

		if err := r.orders.Create(ctx, order.ID, encodeOrder(order, nil)); err != nil {
			return err
		}
		if req.Key != "" {
			createdAt := req.CreatedAt
			if createdAt.IsZero() {
				createdAt = order.CreatedAt
			}
			if err := r.requests.Create(ctx, req.Key, orderRequestDocument{
				OrderID:     order.ID,
				Fingerprint: req.Fingerprint,
				CreatedAt:   createdAt.UTC(),
			}); err != nil {
				return err
			}
		}
		result = repositories.OrderCreateResult{Order: order.Clone(), Created: true, Fingerprint: req.Fingerprint}
		return nil
	})
	if err != nil {
		return repositories.OrderCreateResult{}, pfirestore.WrapError("orders.create", err)
	}
	return result, nil
}

func (r *OrderRepository) FindByRequestKey(ctx context.Context, key string) (repositories.OrderCreateResult, error) {
	claimed, err := r.requests.Get(ctx, key)
	if err != nil {
		return repositories.OrderCreateResult{}, pfirestore.WrapError("orders.findByRequestKey", err)
	}
	existing, err := r.orders.Get(ctx, claimed.Data.OrderID)
	if err != nil {
		return repositories.OrderCreateResult{}, pfirestore.WrapError("orders.findByRequestKey", err)
	}
	return repositories.OrderCreateResult{
		Order:       decodeOrder(existing),
		Fingerprint: claimed.Data.Fingerprint,
	}, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		current, err := r.orders.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.Conflict("orders.update", "order %s is at version %d, expected %d", order.ID, current.Data.Version, expectedVersion)
		}
		return r.orders.Set(ctx, order.ID, encodeOrder(order, current.Data.PaymentIntentIDs))
	})
	return pfirestore.WrapError("orders.update", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc), nil
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, pfirestore.NotFound("orders.findByIntent", "payment intent id is empty")
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentIntentIds", "array-contains", intentID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFound("orders.findByIntent", "no order for payment intent %s", intentID)
	}
	return decodeOrder(docs[0]), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	afterTS, afterID, hasCursor, err := pagination.DecodeTimeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.BuyerID != "" {
			q = q.Where("buyerId", "==", filter.BuyerID)
		}
		if filter.ProviderUserID != "" {
			q = q.Where("providerUserId", "==", filter.ProviderUserID)
		}
		switch len(filter.Statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Statuses[0]))
		default:
			statuses := make([]string, 0, len(filter.Statuses))
			for _, status := range filter.Statuses {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if hasCursor {
			q = q.StartAfter(afterTS, afterID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			break
		}
		page.Items = append(page.Items, decodeOrder(doc))
	}
	if len(docs) > size {
		last := page.Items[len(page.Items)-1]
		token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *OrderRepository) ListDueForAutoComplete(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.OrderStatusInProgress)).
			Where("autoCompleteAt", "<=", now.UTC()).
			OrderBy("autoCompleteAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	due := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		due = append(due, decodeOrder(doc))
	}
	return due, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

type orderRequestDocument struct {
	OrderID     string    `firestore:"orderId"`
	Fingerprint string    `firestore:"fingerprint"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

type orderDocument struct {
	MasterID       string                 `firestore:"masterId"`
	ItemID         string                 `firestore:"itemId"`
	BuyerID        string                 `firestore:"buyerId"`
	ProviderID     string                 `firestore:"providerId"`
	ProviderUserID string                 `firestore:"providerUserId"`
	Flow           domain.FlowType        `firestore:"flowType"`
	Status         domain.OrderStatus     `firestore:"status"`
	PaymentStatus  domain.PaymentStatus   `firestore:"paymentStatus"`
	Quantity       int                    `firestore:"quantity"`
	Currency       string                 `firestore:"currency"`
	Pricing        *domain.PriceBreakdown `firestore:"pricing,omitempty"`
	Snapshot       domain.OrderSnapshot   `firestore:"snapshot"`
	Metadata       domain.OrderMetadata   `firestore:"metadata"`
	Deposit        *domain.DepositHold    `firestore:"deposit,omitempty"`
	Dispute        *domain.DisputeRecord  `firestore:"dispute,omitempty"`
	CancelReason   string                 `firestore:"cancelReason,omitempty"`

	PaymentIntentID       string   `firestore:"paymentIntentId,omitempty"`
	PaymentIntentIDs      []string `firestore:"paymentIntentIds,omitempty"`
	SettledPaymentIntents []string `firestore:"settledPaymentIntents,omitempty"`
	RefundedAmount        int64    `firestore:"refundedAmount"`

	AutoCompleteAt *time.Time `firestore:"autoCompleteAt,omitempty"`
	Version        int64      `firestore:"version"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
	AcceptedAt     *time.Time `firestore:"acceptedAt,omitempty"`
	CompletedAt    *time.Time `firestore:"completedAt,omitempty"`
	CancelledAt    *time.Time `firestore:"cancelledAt,omitempty"`
}

// encodeOrder keeps every intent id the order ever carried in paymentIntentIds, so a
// late webhook for a superseded intent still resolves to its order.
func encodeOrder(order domain.Order, knownIntents []string) orderDocument {
	intents := slices.Clone(knownIntents)
	addIntent := func(id string) {
		if id != "" && !slices.Contains(intents, id) {
			intents = append(intents, id)
		}
	}
	addIntent(order.PaymentIntentID)
	if order.Deposit != nil {
		addIntent(order.Deposit.PaymentIntentID)
	}
	if visit := order.Metadata.VisitFee; visit != nil {
		addIntent(visit.PaymentIntentID)
	}
	for _, id := range order.SettledPaymentIntents {
		addIntent(id)
	}

	dup := order.Clone()
	return orderDocument{
		MasterID:              dup.MasterID,
		ItemID:                dup.ItemID,
		BuyerID:               dup.BuyerID,
		ProviderID:            dup.ProviderID,
		ProviderUserID:        dup.ProviderUserID,
		Flow:                  dup.Flow,
		Status:                dup.Status,
		PaymentStatus:         dup.PaymentStatus,
		Quantity:              dup.Quantity,
		Currency:              dup.Currency,
		Pricing:               dup.Pricing,
		Snapshot:              dup.Snapshot,
		Metadata:              dup.Metadata,
		Deposit:               dup.Deposit,
		Dispute:               dup.Dispute,
		CancelReason:          dup.CancelReason,
		PaymentIntentID:       dup.PaymentIntentID,
		PaymentIntentIDs:      intents,
		SettledPaymentIntents: dup.SettledPaymentIntents,
		RefundedAmount:        dup.RefundedAmount,
		AutoCompleteAt:        utcPtr(dup.AutoCompleteAt),
		Version:               dup.Version,
		CreatedAt:             dup.CreatedAt.UTC(),
		UpdatedAt:             dup.UpdatedAt.UTC(),
		AcceptedAt:            utcPtr(dup.AcceptedAt),
		CompletedAt:           utcPtr(dup.CompletedAt),
		CancelledAt:           utcPtr(dup.CancelledAt),
	}
}

func decodeOrder(doc pfirestore.Document[orderDocument]) domain.Order {
	data := doc.Data
	return domain.Order{
		ID:                    doc.ID,
		MasterID:              data.MasterID,
		ItemID:                data.ItemID,
		BuyerID:               data.BuyerID,
		ProviderID:            data.ProviderID,
		ProviderUserID:        data.ProviderUserID,
		Flow:                  data.Flow,
		Status:                data.Status,
		PaymentStatus:         data.PaymentStatus,
		Quantity:              data.Quantity,
		Currency:              data.Currency,
		Pricing:               data.Pricing,
		Snapshot:              data.Snapshot,
		Metadata:              data.Metadata,
		Deposit:               data.Deposit,
		Dispute:               data.Dispute,
		CancelReason:          data.CancelReason,
		PaymentIntentID:       data.PaymentIntentID,
		SettledPaymentIntents: data.SettledPaymentIntents,
		RefundedAmount:        data.RefundedAmount,
		AutoCompleteAt:        utcPtr(data.AutoCompleteAt),
		Version:               data.Version,
		CreatedAt:             data.CreatedAt.UTC(),
		UpdatedAt:             data.UpdatedAt.UTC(),
		AcceptedAt:            utcPtr(data.AcceptedAt),
		CompletedAt:           utcPtr(data.CompletedAt),
		CancelledAt:           utcPtr(data.CancelledAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
