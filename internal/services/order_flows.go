package services

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
)

// DefaultAutoCompleteAfter is how long an instant-pay order may sit IN_PROGRESS
// before the system completes it.
const DefaultAutoCompleteAfter = 24 * time.Hour

// FlowStartRequest carries buyer input for a new order.
type FlowStartRequest struct {
	Item             domain.ListingItem
	Quantity         int
	ScopeDescription string
	Tip              *domain.Money
}

// FlowStart is the initial state an orchestrator chooses for a new order.
type FlowStart struct {
	Status   domain.OrderStatus
	Quantity int
	Pricing  *domain.PriceBreakdown
	Metadata domain.OrderMetadata
}

// PaymentCapture describes a captured payment applied to an order.
type PaymentCapture struct {
	PaymentIntentID string
	Amount          domain.Money
	CapturedAt      time.Time
}

// FlowOrchestrator binds a commercial pattern to the shared state machine. It picks the
// initial status and the path walked after a payment capture; it never defines statuses.
type FlowOrchestrator interface {
	Flow() domain.FlowType
	Start(req FlowStartRequest) (FlowStart, error)
	// AfterCapture records flow-specific payment details on order and returns the
	// statuses to walk through, in order, as the system actor.
	AfterCapture(order *domain.Order, capture PaymentCapture) []domain.OrderStatus
}

// NewFlowOrchestrators returns the three built-in flows keyed by type.
func NewFlowOrchestrators(pricing *PricingEngine, autoCompleteAfter time.Duration) map[domain.FlowType]FlowOrchestrator {
	if autoCompleteAfter <= 0 {
		autoCompleteAfter = DefaultAutoCompleteAfter
	}
	flows := []FlowOrchestrator{
		&instantPayFlow{pricing: pricing, autoCompleteAfter: autoCompleteAfter},
		&quoteRequestFlow{},
		&visitFeeFlow{pricing: pricing},
	}
	out := make(map[domain.FlowType]FlowOrchestrator, len(flows))
	for _, flow := range flows {
		out[flow.Flow()] = flow
	}
	return out
}

type instantPayFlow struct {
	pricing           *PricingEngine
	autoCompleteAfter time.Duration
}

func (f *instantPayFlow) Flow() domain.FlowType { return domain.FlowInstantPay }

func (f *instantPayFlow) Start(req FlowStartRequest) (FlowStart, error) {
	if req.Item.PricingModel == domain.PricingModelQuote {
		return FlowStart{}, fmt.Errorf("%w: instant pay needs a listed price", ErrUnsupportedPricingModel)
	}
	quantity := req.Quantity
	if quantity == 0 && req.Item.PricingModel == domain.PricingModelFixed {
		quantity = 1
	}
	pricing, err := f.pricing.PriceItem(PriceItemRequest{Item: req.Item, Quantity: quantity, Tip: req.Tip})
	if err != nil {
		return FlowStart{}, err
	}
	return FlowStart{
		Status:   domain.OrderStatusPendingPayment,
		Quantity: quantity,
		Pricing:  &pricing,
		Metadata: domain.OrderMetadata{
			Flow:       domain.FlowInstantPay,
			InstantPay: &domain.InstantPayMetadata{AutoCompleteAfter: f.autoCompleteAfter},
		},
	}, nil
}

// Instant pay skips the provider confirmation gate.
func (f *instantPayFlow) AfterCapture(order *domain.Order, _ PaymentCapture) []domain.OrderStatus {
	if order.Status != domain.OrderStatusPendingPayment {
		return nil
	}
	return []domain.OrderStatus{domain.OrderStatusAccepted, domain.OrderStatusInProgress}
}

type quoteRequestFlow struct{}

func (f *quoteRequestFlow) Flow() domain.FlowType { return domain.FlowQuoteRequest }

func (f *quoteRequestFlow) Start(req FlowStartRequest) (FlowStart, error) {
	scope := strings.TrimSpace(req.ScopeDescription)
	if scope == "" {
		return FlowStart{}, fmt.Errorf("%w: scope description is required for a quote request", ErrOrderInvalidInput)
	}
	return FlowStart{
		Status:   domain.OrderStatusPendingQuote,
		Quantity: 1,
		Metadata: domain.OrderMetadata{
			Flow:  domain.FlowQuoteRequest,
			Quote: &domain.QuoteMetadata{ScopeDescription: scope},
		},
	}, nil
}

func (f *quoteRequestFlow) AfterCapture(order *domain.Order, _ PaymentCapture) []domain.OrderStatus {
	if order.Status != domain.OrderStatusPendingPayment {
		return nil
	}
	return []domain.OrderStatus{domain.OrderStatusPendingConfirmation}
}

type visitFeeFlow struct {
	pricing *PricingEngine
}

func (f *visitFeeFlow) Flow() domain.FlowType { return domain.FlowVisitFee }

func (f *visitFeeFlow) Start(req FlowStartRequest) (FlowStart, error) {
	if req.Item.VisitFee == nil || req.Item.VisitFee.Amount <= 0 {
		return FlowStart{}, fmt.Errorf("%w: item %s has no visit fee", ErrUnsupportedPricingModel, req.Item.ID)
	}
	fee := req.Item.VisitFee.Reformat()
	pricing, err := f.pricing.PriceFlat(fee)
	if err != nil {
		return FlowStart{}, err
	}
	return FlowStart{
		Status:   domain.OrderStatusPendingDeposit,
		Quantity: 1,
		Pricing:  &pricing,
		Metadata: domain.OrderMetadata{
			Flow: domain.FlowVisitFee,
			VisitFee: &domain.VisitFeeMetadata{
				VisitFee:         fee,
				ScopeDescription: strings.TrimSpace(req.ScopeDescription),
			},
		},
	}, nil
}

// After the visit is paid the order is scheduled directly when the item has a listed
// price, and handed to the quote path when it does not. A later capture of the job
// price follows the quote flow's confirmation gate.
func (f *visitFeeFlow) AfterCapture(order *domain.Order, capture PaymentCapture) []domain.OrderStatus {
	switch order.Status {
	case domain.OrderStatusPendingDeposit:
		visit := order.Metadata.VisitFee
		if visit == nil {
			return nil
		}
		paidAt := capture.CapturedAt
		visit.PaidAt = &paidAt
		visit.PaymentIntentID = capture.PaymentIntentID
		if order.Snapshot.ItemPricing.Model == domain.PricingModelQuote {
			visit.Resolution = domain.VisitFeeResolutionQuote
			visit.Quote = &domain.QuoteMetadata{ScopeDescription: visit.ScopeDescription}
			return []domain.OrderStatus{domain.OrderStatusPendingQuote}
		}
		visit.Resolution = domain.VisitFeeResolutionScheduled
		return []domain.OrderStatus{domain.OrderStatusInProgress}
	case domain.OrderStatusPendingPayment:
		return []domain.OrderStatus{domain.OrderStatusPendingConfirmation}
	}
	return nil
}
