package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/platform/pagination"
	"github.com/localhands/marketplace/internal/repositories"
)

type orderRequest struct {
	orderID     string
	fingerprint string
}

// OrderRepository keeps orders in process. It honours the same version and request key
// rules as the Firestore implementation and backs tests and local runs.
type OrderRepository struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	requests map[string]orderRequest
	intents  map[string]string
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:   make(map[string]domain.Order),
		requests: make(map[string]orderRequest),
		intents:  make(map[string]string),
	}
}

func (r *OrderRepository) Create(_ context.Context, order domain.Order, req repositories.OrderCreateRequest) (repositories.OrderCreateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Key != "" {
		if existing, ok := r.requests[req.Key]; ok {
			stored, found := r.orders[existing.orderID]
			if !found {
				return repositories.OrderCreateResult{}, repositories.NewNotFoundError("orders.create", "order %s for request key missing", existing.orderID)
			}
			return repositories.OrderCreateResult{Order: stored.Clone(), Created: false, Fingerprint: existing.fingerprint}, nil
		}
	}
	if _, exists := r.orders[order.ID]; exists {
		return repositories.OrderCreateResult{}, repositories.NewConflictError("orders.create", "order %s already exists", order.ID)
	}

	r.orders[order.ID] = order.Clone()
	r.indexIntent(order)
	if req.Key != "" {
		r.requests[req.Key] = orderRequest{orderID: order.ID, fingerprint: req.Fingerprint}
	}
	return repositories.OrderCreateResult{Order: order.Clone(), Created: true, Fingerprint: req.Fingerprint}, nil
}

func (r *OrderRepository) FindByRequestKey(_ context.Context, key string) (repositories.OrderCreateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.requests[key]
	if !ok {
		return repositories.OrderCreateResult{}, repositories.NewNotFoundError("orders.findByRequestKey", "no order for request key %s", key)
	}
	stored, found := r.orders[existing.orderID]
	if !found {
		return repositories.OrderCreateResult{}, repositories.NewNotFoundError("orders.findByRequestKey", "order %s for request key missing", existing.orderID)
	}
	return repositories.OrderCreateResult{Order: stored.Clone(), Fingerprint: existing.fingerprint}, nil
}

func (r *OrderRepository) Update(_ context.Context, order domain.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewNotFoundError("orders.update", "order %s not found", order.ID)
	}
	if current.Version != expectedVersion {
		return repositories.NewConflictError("orders.update", "order %s is at version %d, expected %d", order.ID, current.Version, expectedVersion)
	}
	r.orders[order.ID] = order.Clone()
	r.indexIntent(order)
	return nil
}

func (r *OrderRepository) indexIntent(order domain.Order) {
	if order.PaymentIntentID != "" {
		r.intents[order.PaymentIntentID] = order.ID
	}
	if order.Deposit != nil && order.Deposit.PaymentIntentID != "" {
		r.intents[order.Deposit.PaymentIntentID] = order.ID
	}
	if visit := order.Metadata.VisitFee; visit != nil && visit.PaymentIntentID != "" {
		r.intents[visit.PaymentIntentID] = order.ID
	}
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find", "order %s not found", orderID)
	}
	return order.Clone(), nil
}

func (r *OrderRepository) FindByPaymentIntent(_ context.Context, intentID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orderID, ok := r.intents[intentID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.findByIntent", "no order for payment intent %s", intentID)
	}
	return r.orders[orderID].Clone(), nil
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	afterTS, afterID, hasCursor, err := pagination.DecodeTimeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	r.mu.Lock()
	matches := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.BuyerID != "" && order.BuyerID != filter.BuyerID {
			continue
		}
		if filter.ProviderUserID != "" && order.ProviderUserID != filter.ProviderUserID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
			continue
		}
		matches = append(matches, order.Clone())
	}
	r.mu.Unlock()

	// newest first, ties broken by id descending to match the Firestore ordering
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	start := 0
	if hasCursor {
		start = len(matches)
		for i, order := range matches {
			if order.CreatedAt.Before(afterTS) || (order.CreatedAt.Equal(afterTS) && order.ID < afterID) {
				start = i
				break
			}
		}
	}
	end := min(start+size, len(matches))
	page := domain.CursorPage[domain.Order]{Items: matches[start:end]}
	if end < len(matches) {
		last := matches[end-1]
		token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *OrderRepository) ListDueForAutoComplete(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []domain.Order
	for _, order := range r.orders {
		if order.Status != domain.OrderStatusInProgress || order.AutoCompleteAt == nil {
			continue
		}
		if order.AutoCompleteAt.After(now) {
			continue
		}
		due = append(due, order.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].AutoCompleteAt.Before(*due[j].AutoCompleteAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
