package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/platform/pagination"
	"github.com/localhands/marketplace/internal/repositories"
)

const (
	orderEventCreated          = "order.created"
	orderEventStatusChanged    = "order.status.changed"
	orderEventPaymentRequested = "order.payment.requested"
	orderEventPaymentFailed    = "order.payment.failed"
	orderEventRefunded         = "order.refunded"
	orderEventDepositHeld      = "order.deposit.held"
	orderEventDepositReleased  = "order.deposit.released"

	orderIDPrefix = "ord_"

	maxFreeTextLength = 2000
	defaultSweepLimit = 100
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	BuyerID        string
	ProviderUserID string
	PreviousStatus string
	CurrentStatus  string
	Actor          string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// orderPaymentGateway abstracts payments.Manager for easier testing.
type orderPaymentGateway interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
	CancelIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CancelRequest) (payments.Intent, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.Refund, error)
	LookupIntent(ctx context.Context, paymentCtx payments.PaymentContext, intentID string) (payments.Intent, error)
}

// SnapshotImageArchiver copies listing images under an order-owned prefix so the
// snapshot keeps rendering after the provider edits or deletes the listing.
type SnapshotImageArchiver interface {
	ArchiveImages(ctx context.Context, orderID string, images []string) ([]string, error)
}

// AutoCompleteScheduler arms and disarms the per-order completion timer.
type AutoCompleteScheduler interface {
	Schedule(orderID string, at time.Time)
	Cancel(orderID string)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders            repositories.OrderRepository
	Listings          repositories.ListingRepository
	Pricing           *PricingEngine
	Payments          orderPaymentGateway
	Scheduler         AutoCompleteScheduler
	Images            SnapshotImageArchiver
	Events            OrderEventPublisher
	UnitOfWork        repositories.UnitOfWork
	AutoCompleteAfter time.Duration
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	listings   repositories.ListingRepository
	pricing    *PricingEngine
	payments   orderPaymentGateway
	scheduler  AutoCompleteScheduler
	images     SnapshotImageArchiver
	events     OrderEventPublisher
	unitOfWork repositories.UnitOfWork
	flows      map[domain.FlowType]FlowOrchestrator
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Listings == nil {
		return nil, errors.New("order service: listing repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		listings:   deps.Listings,
		pricing:    deps.Pricing,
		payments:   deps.Payments,
		scheduler:  deps.Scheduler,
		images:     deps.Images,
		events:     deps.Events,
		unitOfWork: unit,
		flows:      NewFlowOrchestrators(deps.Pricing, deps.AutoCompleteAfter),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: buyer id is required", ErrOrderInvalidInput)
	}
	if itemID == "" {
		return Order{}, fmt.Errorf("%w: item id is required", ErrOrderInvalidInput)
	}
	flow, ok := s.flows[cmd.Flow]
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown flow type %q", ErrOrderInvalidInput, cmd.Flow)
	}
	if cmd.Quantity < 0 {
		return Order{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, cmd.Quantity)
	}
	if cmd.TipMinorUnits < 0 {
		return Order{}, fmt.Errorf("%w: tip must be non-negative", ErrOrderInvalidInput)
	}
	if cmd.TipMinorUnits > 0 && cmd.Flow != domain.FlowInstantPay {
		return Order{}, fmt.Errorf("%w: tips are only accepted on instant pay orders", ErrOrderInvalidInput)
	}
	scope, err := cleanFreeText(cmd.ScopeDescription, "scope description")
	if err != nil {
		return Order{}, err
	}

	var req repositories.OrderCreateRequest
	if token := strings.TrimSpace(cmd.ClientRequestToken); token != "" {
		req.Key = orderRequestKey(buyerID, itemID, token)
		req.Fingerprint = orderRequestFingerprint(cmd.Flow, cmd.Quantity, scope, cmd.TipMinorUnits)
		prior, found, err := s.findRequestedOrder(ctx, req)
		if err != nil {
			return Order{}, err
		}
		if found {
			return prior, nil
		}
	}

	item, err := s.listings.GetItem(ctx, itemID)
	if err != nil {
		return Order{}, s.mapListingError(err)
	}
	if !item.Active {
		return Order{}, fmt.Errorf("%w: item %s is not available", ErrOrderInvalidInput, item.ID)
	}
	master, err := s.listings.GetMaster(ctx, item.MasterID)
	if err != nil {
		return Order{}, s.mapListingError(err)
	}
	provider, err := s.listings.GetProvider(ctx, master.ProviderID)
	if err != nil {
		return Order{}, s.mapListingError(err)
	}
	providerUserID, err := resolveProviderUserID(provider)
	if err != nil {
		return Order{}, err
	}
	if providerUserID == buyerID {
		return Order{}, fmt.Errorf("%w: providers cannot order their own listings", ErrOrderInvalidInput)
	}

	var tip *domain.Money
	if cmd.TipMinorUnits > 0 {
		t := domain.NewMoney(cmd.TipMinorUnits, item.UnitPrice.Currency)
		tip = &t
	}
	start, err := flow.Start(FlowStartRequest{
		Item:             item,
		Quantity:         cmd.Quantity,
		ScopeDescription: scope,
		Tip:              tip,
	})
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:             s.nextOrderID(),
		MasterID:       master.ID,
		ItemID:         item.ID,
		BuyerID:        buyerID,
		ProviderID:     provider.ID,
		ProviderUserID: providerUserID,
		Flow:           cmd.Flow,
		Status:         start.Status,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Quantity:       start.Quantity,
		Pricing:        start.Pricing,
		Currency:       orderCurrency(item, start),
		Snapshot:       BuildSnapshot(master, item, provider),
		Metadata:       start.Metadata,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if start.Pricing != nil && start.Pricing.Deposit != nil {
		order.Deposit = &domain.DepositHold{
			Amount: *start.Pricing.Deposit,
			Status: domain.DepositStatusPendingAuthorization,
		}
	}
	if err := order.Metadata.Validate(); err != nil {
		return Order{}, fmt.Errorf("order service: %w", err)
	}

	req.CreatedAt = now
	s.archiveSnapshotImages(ctx, &order)

	var result repositories.OrderCreateResult
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var createErr error
		result, createErr = s.orders.Create(txCtx, order, req)
		if createErr != nil {
			return s.mapRepositoryError(createErr)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !result.Created {
		return replayedOrder(result, req)
	}

	created := result.Order
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		CurrentStatus: string(created.Status),
		Actor:         string(domain.ActorBuyer),
		ActorID:       buyerID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"flow":   string(created.Flow),
			"itemId": created.ItemID,
		},
	}, created)

	return s.requestInitialPayments(ctx, created), nil
}

// findRequestedOrder returns the order already created under req.Key. Replays are
// answered before the listing is read again, so retiring an item or editing its price
// does not change what a retried request gets back.
func (s *orderService) findRequestedOrder(ctx context.Context, req repositories.OrderCreateRequest) (Order, bool, error) {
	prior, err := s.orders.FindByRequestKey(ctx, req.Key)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, false, nil
		}
		return Order{}, false, s.mapRepositoryError(err)
	}
	order, err := replayedOrder(prior, req)
	if err != nil {
		return Order{}, false, err
	}
	return order, true, nil
}

func replayedOrder(prior repositories.OrderCreateResult, req repositories.OrderCreateRequest) (Order, error) {
	if prior.Fingerprint != req.Fingerprint {
		return Order{}, fmt.Errorf("%w: request token already used for order %s", ErrDuplicateOrderRequest, prior.Order.ID)
	}
	return prior.Order, nil
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	order, err := s.load(ctx, query.OrderID)
	if err != nil {
		return Order{}, err
	}
	if query.Staff {
		return order, nil
	}
	if _, err := resolveActor(order, strings.TrimSpace(query.ActorID), ""); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(query.UserID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	filter := repositories.OrderListFilter{
		Statuses:   query.Statuses,
		Pagination: query.Pagination,
	}
	switch query.Role {
	case OrderRoleBuyer, "":
		filter.BuyerID = userID
	case OrderRoleProvider:
		filter.ProviderUserID = userID
	default:
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown role %q", ErrOrderInvalidInput, query.Role)
	}
	for _, status := range query.Statuses {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) SubmitQuote(ctx context.Context, cmd SubmitQuoteCommand) (Order, error) {
	if cmd.AmountMinorUnits < 0 {
		return Order{}, fmt.Errorf("%w: quote amount must be non-negative", ErrOrderInvalidInput)
	}
	notes, err := cleanFreeText(cmd.Notes, "quote notes")
	if err != nil {
		return Order{}, err
	}
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ProviderUserID)
	if _, err := resolveActor(order, actorID, domain.ActorProvider); err != nil {
		return Order{}, err
	}
	if order.Metadata.QuoteDetails() == nil {
		return Order{}, fmt.Errorf("%w: %s orders do not take quotes", ErrIllegalTransition, order.Flow)
	}

	now := s.now()
	working := order
	if order.Status == domain.OrderStatusWaitingForPriceApproval {
		// Resubmission walks the re-quote loop back through PENDING_QUOTE.
		working, err = ApplyTransition(order, TransitionRequest{Actor: domain.ActorProvider, Target: domain.OrderStatusPendingQuote, Now: now})
		if err != nil {
			return Order{}, err
		}
	}

	amount := domain.NewMoney(cmd.AmountMinorUnits, order.Currency)
	pricing, err := s.pricing.PriceQuote(amount)
	if err != nil {
		return Order{}, err
	}
	draft := working.Clone()
	draft.Pricing = &pricing
	quote := draft.Metadata.QuoteDetails()
	quote.Revisions = append(quote.Revisions, domain.QuoteRevision{
		Amount:      pricing.BaseAmount,
		Notes:       notes,
		ProviderID:  order.ProviderID,
		SubmittedAt: now,
	})

	next, err := ApplyTransition(draft, TransitionRequest{Actor: domain.ActorProvider, Target: domain.OrderStatusWaitingForPriceApproval, Now: now})
	if err != nil {
		return Order{}, err
	}
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, domain.ActorProvider, actorID, map[string]any{
		"quoteMinorUnits": pricing.BaseAmount.Amount,
		"totalMinorUnits": pricing.Total.Amount,
		"revision":        len(quote.Revisions),
	})
	return next, nil
}

func (s *orderService) RequestQuoteRevision(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.Transition(ctx, TransitionCommand{
		OrderID: cmd.OrderID,
		ActorID: cmd.ActorID,
		Actor:   cmd.Actor,
		Target:  domain.OrderStatusPendingQuote,
		Reason:  cmd.Reason,
	})
}

func (s *orderService) ApproveQuote(ctx context.Context, cmd ApproveQuoteCommand) (Order, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if _, err := resolveActor(order, buyerID, domain.ActorBuyer); err != nil {
		return Order{}, err
	}

	now := s.now()
	next, err := ApplyTransition(order, TransitionRequest{Actor: domain.ActorBuyer, Target: domain.OrderStatusPendingPayment, Now: now})
	if err != nil {
		return Order{}, err
	}
	if quote := next.Metadata.QuoteDetails(); quote != nil {
		approvedAt := now
		quote.ApprovedAt = &approvedAt
	}
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, domain.ActorBuyer, buyerID, map[string]any{
		"totalMinorUnits": next.Pricing.Total.Amount,
	})
	return s.requestInitialPayments(ctx, next), nil
}

func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}
	order, err := s.findForIntent(ctx, cmd.OrderID, intentID)
	if err != nil {
		return Order{}, err
	}
	if order.HasSettled(intentID) {
		return order, nil
	}
	if !awaitingPayment(order) {
		return Order{}, fmt.Errorf("%w: order is %s and does not await payment", ErrPreconditionNotMet, order.Status)
	}

	intent, err := s.payments.LookupIntent(ctx, s.paymentContext(order), intentID)
	if err != nil {
		return Order{}, mapPaymentError(err)
	}
	if err := verifyCapture(order, intent); err != nil {
		return Order{}, err
	}

	next, err := s.applyCapture(order, PaymentCapture{
		PaymentIntentID: intentID,
		Amount:          domain.NewMoney(intent.AmountReceived, order.Currency),
		CapturedAt:      s.now(),
	})
	if err != nil {
		return Order{}, err
	}
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, domain.ActorSystem, "", map[string]any{
		"paymentIntentId":   intentID,
		"amountMinorUnits":  intent.AmountReceived,
		"paymentStatus":     string(next.PaymentStatus),
		"previousPayStatus": string(order.PaymentStatus),
	})
	return next, nil
}

// applyCapture marks order paid and walks its flow's post-payment path. An empty
// intent id settles an order that owes nothing.
func (s *orderService) applyCapture(order Order, capture PaymentCapture) (Order, error) {
	flow, ok := s.flows[order.Flow]
	if !ok {
		return Order{}, fmt.Errorf("order service: no orchestrator for flow %s", order.Flow)
	}
	next := order.Clone()
	next.PaymentStatus = domain.PaymentStatusPaid
	if capture.PaymentIntentID != "" {
		next.PaymentIntentID = capture.PaymentIntentID
		next.SettledPaymentIntents = append(next.SettledPaymentIntents, capture.PaymentIntentID)
	}
	var err error
	for _, target := range flow.AfterCapture(&next, capture) {
		next, err = ApplyTransition(next, TransitionRequest{Actor: domain.ActorSystem, Target: target, Now: capture.CapturedAt})
		if err != nil {
			return Order{}, err
		}
	}
	next.UpdatedAt = capture.CapturedAt
	return next, nil
}

// settleWithoutCharge advances an order whose amount due is zero. The gateway refuses
// zero-amount intents, so nothing is charged and no intent is recorded.
func (s *orderService) settleWithoutCharge(ctx context.Context, order Order) (Order, error) {
	next, err := s.applyCapture(order, PaymentCapture{
		Amount:     domain.NewMoney(0, order.Currency),
		CapturedAt: s.now(),
	})
	if err != nil {
		return Order{}, err
	}
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, domain.ActorSystem, "", map[string]any{
		"amountMinorUnits":  int64(0),
		"paymentStatus":     string(next.PaymentStatus),
		"previousPayStatus": string(order.PaymentStatus),
		"settlement":        "no_charge",
	})
	return next, nil
}

func awaitingPayment(order Order) bool {
	return order.Status == domain.OrderStatusPendingPayment || order.Status == domain.OrderStatusPendingDeposit
}

func (s *orderService) RecordPaymentFailure(ctx context.Context, cmd PaymentFailureCommand) (Order, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}
	order, err := s.findForIntent(ctx, cmd.OrderID, intentID)
	if err != nil {
		return Order{}, err
	}
	if order.HasSettled(intentID) {
		return order, nil
	}
	reason := strings.TrimSpace(cmd.Reason)
	s.logger(ctx, "order.payment.failed", map[string]any{
		"orderId":         order.ID,
		"paymentIntentId": intentID,
		"status":          string(order.Status),
		"reason":          reason,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentFailed,
		CurrentStatus: string(order.Status),
		Actor:         string(domain.ActorSystem),
		OccurredAt:    s.now(),
		Metadata: map[string]any{
			"paymentIntentId": intentID,
			"reason":          reason,
		},
	}, order)
	return order, nil
}

func (s *orderService) MarkDepositHeld(ctx context.Context, cmd DepositHeldCommand) (Order, error) {
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}
	order, err := s.findForIntent(ctx, cmd.OrderID, intentID)
	if err != nil {
		return Order{}, err
	}
	if order.Deposit == nil || order.Deposit.PaymentIntentID != intentID {
		return Order{}, fmt.Errorf("%w: intent %s is not the deposit hold of order %s", ErrPreconditionNotMet, intentID, order.ID)
	}
	if order.Deposit.Status != domain.DepositStatusPendingAuthorization {
		return order, nil
	}

	intent, err := s.payments.LookupIntent(ctx, s.paymentContext(order), intentID)
	if err != nil {
		return Order{}, mapPaymentError(err)
	}
	if intent.Status != payments.StatusRequiresCapture || intent.AmountCapturable < order.Deposit.Amount.Amount {
		return Order{}, fmt.Errorf("%w: deposit hold for %s is %s with %d authorised", ErrPaymentNotCaptured, order.ID, intent.Status, intent.AmountCapturable)
	}

	now := s.now()
	next := order.Clone()
	heldAt := now
	next.Deposit.Status = domain.DepositStatusHeld
	next.Deposit.HeldAt = &heldAt
	next.UpdatedAt = now
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventDepositHeld,
		CurrentStatus: string(next.Status),
		Actor:         string(domain.ActorSystem),
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentIntentId":  intentID,
			"amountMinorUnits": next.Deposit.Amount.Amount,
		},
	}, next)
	return next, nil
}

func (s *orderService) RequestPayment(ctx context.Context, cmd OrderActionCommand) (PaymentRequest, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return PaymentRequest{}, err
	}
	if _, err := resolveActor(order, strings.TrimSpace(cmd.ActorID), domain.ActorBuyer); err != nil {
		return PaymentRequest{}, err
	}
	if !awaitingPayment(order) {
		return PaymentRequest{}, fmt.Errorf("%w: order is %s and does not await payment", ErrPreconditionNotMet, order.Status)
	}
	due, ok := order.AmountDue()
	if !ok {
		return PaymentRequest{}, fmt.Errorf("%w: order has no amount due", ErrPreconditionNotMet)
	}
	if due.Amount == 0 {
		settled, err := s.settleWithoutCharge(ctx, order)
		if err != nil {
			return PaymentRequest{}, err
		}
		return PaymentRequest{Order: settled, Amount: due}, nil
	}

	if order.PaymentIntentID != "" && !order.HasSettled(order.PaymentIntentID) {
		intent, err := s.payments.LookupIntent(ctx, s.paymentContext(order), order.PaymentIntentID)
		if err != nil {
			return PaymentRequest{}, mapPaymentError(err)
		}
		if intent.Status != payments.StatusCanceled && intent.Amount == due.Amount {
			return PaymentRequest{Order: order, IntentID: intent.ID, ClientSecret: intent.ClientSecret, Amount: due}, nil
		}
	}

	intent, err := s.createChargeIntent(ctx, order, due)
	if err != nil {
		return PaymentRequest{}, mapPaymentError(err)
	}
	next := order.Clone()
	next.PaymentIntentID = intent.ID
	next.UpdatedAt = s.now()
	if err := s.save(ctx, order, &next); err != nil {
		return PaymentRequest{}, err
	}
	s.publishPaymentRequested(ctx, next, intent, due)
	return PaymentRequest{Order: next, IntentID: intent.ID, ClientSecret: intent.ClientSecret, Amount: due}, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionCommand) (Order, error) {
	if !cmd.Target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.Target)
	}
	switch cmd.Target {
	case domain.OrderStatusCancelled:
		return s.Cancel(ctx, OrderActionCommand{OrderID: cmd.OrderID, ActorID: cmd.ActorID, Actor: cmd.Actor, Reason: cmd.Reason})
	case domain.OrderStatusDisputed:
		return s.RaiseDispute(ctx, OrderActionCommand{OrderID: cmd.OrderID, ActorID: cmd.ActorID, Actor: cmd.Actor, Reason: cmd.Reason})
	case domain.OrderStatusPendingPayment:
		if cmd.Actor != "" && cmd.Actor != domain.ActorBuyer {
			return Order{}, fmt.Errorf("%w: only the buyer approves a quote", ErrIllegalTransition)
		}
		return s.ApproveQuote(ctx, ApproveQuoteCommand{OrderID: cmd.OrderID, BuyerID: cmd.ActorID})
	case domain.OrderStatusWaitingForPriceApproval:
		return Order{}, fmt.Errorf("%w: %s is reached by submitting a quote amount", ErrIllegalTransition, cmd.Target)
	}

	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	actor, err := resolveActor(order, actorID, cmd.Actor)
	if err != nil {
		return Order{}, err
	}
	next, err := ApplyTransition(order, TransitionRequest{Actor: actor, Target: cmd.Target, Now: s.now()})
	if err != nil {
		return Order{}, err
	}
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, actor, actorID, nil)
	return next, nil
}

// Cancel moves the order to CANCELLED and refunds what was captured. Calling Cancel on
// an already cancelled order whose refund did not go through retries the refund.
func (s *orderService) Cancel(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	reason, err := cleanFreeText(cmd.Reason, "cancellation reason")
	if err != nil {
		return Order{}, err
	}
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	actor, err := resolveActor(order, actorID, cmd.Actor)
	if err != nil {
		return Order{}, err
	}

	if order.Status == domain.OrderStatusCancelled && (refundOwed(order) > 0 || depositOutstanding(order)) {
		return s.settleCancellation(ctx, order, actor, actorID)
	}

	next, err := ApplyTransition(order, TransitionRequest{Actor: actor, Target: domain.OrderStatusCancelled, Now: s.now()})
	if err != nil {
		return Order{}, err
	}
	next.CancelReason = reason
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, actor, actorID, map[string]any{"reason": reason})
	return s.settleCancellation(ctx, next, actor, actorID)
}

// settleCancellation refunds what was captured and lets go of the deposit hold. Orders
// are only cancellable before fulfilment starts, so nothing the deposit secures has
// been handed over yet.
func (s *orderService) settleCancellation(ctx context.Context, order Order, actor domain.Actor, actorID string) (Order, error) {
	if refundOwed(order) > 0 {
		order = s.refundCancelled(ctx, order)
	}
	if depositOutstanding(order) {
		return s.releaseDeposit(ctx, order, actor, actorID)
	}
	return order, nil
}

func depositOutstanding(order Order) bool {
	if order.Deposit == nil || order.Deposit.PaymentIntentID == "" {
		return false
	}
	return order.Deposit.Status != domain.DepositStatusReleased
}

func (s *orderService) RaiseDispute(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	reason, err := cleanFreeText(cmd.Reason, "dispute reason")
	if err != nil {
		return Order{}, err
	}
	if reason == "" {
		return Order{}, fmt.Errorf("%w: a dispute reason is required", ErrOrderInvalidInput)
	}
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	actor, err := resolveActor(order, actorID, cmd.Actor)
	if err != nil {
		return Order{}, err
	}
	next, err := ApplyTransition(order, TransitionRequest{Actor: actor, Target: domain.OrderStatusDisputed, Now: s.now()})
	if err != nil {
		return Order{}, err
	}
	next.Dispute.Reason = reason
	next.Dispute.RaisedByID = actorID
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, actor, actorID, map[string]any{"reason": reason})
	return next, nil
}

// ConfirmReturn releases the deposit hold once the provider confirms the item came back.
// Apart from cancelling before fulfilment it is the only path that releases a deposit.
func (s *orderService) ConfirmReturn(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	actor := cmd.Actor
	if actor == "" {
		actor = domain.ActorProvider
	}
	if _, err := resolveActor(order, actorID, actor); err != nil {
		return Order{}, err
	}
	if order.Deposit == nil {
		return Order{}, fmt.Errorf("%w: order %s carries no deposit", ErrPreconditionNotMet, order.ID)
	}
	if order.Deposit.Status == domain.DepositStatusReleased {
		return order, nil
	}
	if order.Status != domain.OrderStatusCompleted && order.Status != domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: deposit is released after the order completes, order is %s", ErrPreconditionNotMet, order.Status)
	}
	return s.releaseDeposit(ctx, order, actor, actorID)
}

// releaseDeposit cancels the deposit hold. A failed release is stored as RELEASE_FAILED
// and reported with ErrDepositReleaseFailed alongside the updated order.
func (s *orderService) releaseDeposit(ctx context.Context, order Order, actor domain.Actor, actorID string) (Order, error) {
	now := s.now()
	next := order.Clone()
	next.UpdatedAt = now

	var releaseErr error
	if intentID := order.Deposit.PaymentIntentID; intentID != "" {
		_, releaseErr = s.payments.CancelIntent(ctx, s.paymentContext(order), payments.CancelRequest{
			IntentID:       intentID,
			Reason:         "requested_by_customer",
			IdempotencyKey: order.ID + ":deposit-release",
		})
	}
	if releaseErr != nil {
		next.Deposit.Status = domain.DepositStatusReleaseFailed
		next.Deposit.FailureReason = releaseErr.Error()
		s.logger(ctx, "order.deposit.release.failed", map[string]any{
			"orderId":         order.ID,
			"paymentIntentId": order.Deposit.PaymentIntentID,
			"error":           releaseErr.Error(),
		})
		if err := s.save(ctx, order, &next); err != nil {
			return Order{}, err
		}
		return next, fmt.Errorf("%w: %v", ErrDepositReleaseFailed, releaseErr)
	}

	releasedAt := now
	next.Deposit.Status = domain.DepositStatusReleased
	next.Deposit.ReleasedAt = &releasedAt
	next.Deposit.FailureReason = ""
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventDepositReleased,
		CurrentStatus: string(next.Status),
		Actor:         string(actor),
		ActorID:       actorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"amountMinorUnits": next.Deposit.Amount.Amount,
		},
	}, next)
	return next, nil
}

// AutoComplete is the timer-driven system completion. It goes through the same guarded
// transition as any other caller, so a cancelled or disputed order is left alone.
func (s *orderService) AutoComplete(ctx context.Context, orderID string) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	next, err := ApplyTransition(order, TransitionRequest{
		Actor:     domain.ActorSystem,
		Target:    domain.OrderStatusCompleted,
		Automatic: true,
		Now:       s.now(),
	})
	if err != nil {
		return Order{}, err
	}
	if err := s.save(ctx, order, &next); err != nil {
		return Order{}, err
	}
	s.publishStatusChange(ctx, order, next, domain.ActorSystem, "", map[string]any{"automatic": true})
	return next, nil
}

func (s *orderService) SweepAutoCompletions(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	due, err := s.orders.ListDueForAutoComplete(ctx, s.now(), limit)
	if err != nil {
		return SweepResult{}, s.mapRepositoryError(err)
	}
	result := SweepResult{Examined: len(due)}
	for _, order := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.AutoComplete(ctx, order.ID); err != nil {
			result.Skipped++
			s.logger(ctx, "order.autocomplete.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		result.Completed++
	}
	return result, nil
}

func (s *orderService) requestInitialPayments(ctx context.Context, order Order) Order {
	if due, ok := order.AmountDue(); awaitingPayment(order) && ok && due.Amount == 0 {
		settled, err := s.settleWithoutCharge(ctx, order)
		if err != nil {
			s.logger(ctx, "order.payment.settle.failed", map[string]any{
				"orderId": order.ID,
				"status":  string(order.Status),
				"error":   err.Error(),
			})
		} else {
			order = settled
		}
	}

	next := order.Clone()
	var requested []payments.Intent
	var amounts []domain.Money

	if due, ok := order.AmountDue(); awaitingPayment(order) && ok && due.Amount > 0 && (order.PaymentIntentID == "" || order.HasSettled(order.PaymentIntentID)) {
		intent, err := s.createChargeIntent(ctx, order, due)
		if err != nil {
			s.logger(ctx, "order.payment.request.failed", map[string]any{
				"orderId": order.ID,
				"status":  string(order.Status),
				"error":   err.Error(),
			})
		} else {
			next.PaymentIntentID = intent.ID
			requested = append(requested, intent)
			amounts = append(amounts, due)
		}
	}

	if order.Deposit != nil && order.Deposit.PaymentIntentID == "" && order.Deposit.Amount.Amount > 0 {
		intent, err := s.payments.CreateIntent(ctx, s.paymentContext(order), payments.IntentRequest{
			OrderID:        order.ID,
			BuyerID:        order.BuyerID,
			Amount:         order.Deposit.Amount.Amount,
			Currency:       order.Deposit.Amount.Currency,
			Purpose:        payments.PurposeDepositHold,
			CaptureMethod:  payments.CaptureManual,
			Description:    "Deposit for " + order.Snapshot.ItemName,
			IdempotencyKey: order.ID + ":deposit",
		})
		if err != nil {
			s.logger(ctx, "order.deposit.request.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		} else {
			next.Deposit.PaymentIntentID = intent.ID
			requested = append(requested, intent)
			amounts = append(amounts, order.Deposit.Amount)
		}
	}

	if len(requested) == 0 {
		return order
	}
	next.UpdatedAt = s.now()
	if err := s.save(ctx, order, &next); err != nil {
		s.logger(ctx, "order.payment.attach.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}
	for i, intent := range requested {
		s.publishPaymentRequested(ctx, next, intent, amounts[i])
	}
	return next
}

func (s *orderService) createChargeIntent(ctx context.Context, order Order, due domain.Money) (payments.Intent, error) {
	purpose := payments.PurposeOrderTotal
	if order.Status == domain.OrderStatusPendingDeposit {
		purpose = payments.PurposeVisitFee
	}
	return s.payments.CreateIntent(ctx, s.paymentContext(order), payments.IntentRequest{
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		Amount:         due.Amount,
		Currency:       due.Currency,
		Purpose:        purpose,
		CaptureMethod:  payments.CaptureAutomatic,
		Description:    order.Snapshot.ItemName,
		IdempotencyKey: order.ID + ":" + string(purpose) + ":v" + strconv.FormatInt(order.Version, 10),
	})
}

func (s *orderService) refundCancelled(ctx context.Context, order Order) Order {
	amount := refundOwed(order)
	refund, err := s.payments.Refund(ctx, s.paymentContext(order), payments.RefundRequest{
		IntentID:       order.PaymentIntentID,
		Amount:         &amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: order.ID + ":refund:" + order.PaymentIntentID,
		Metadata:       map[string]string{"order_id": order.ID},
	})
	if err != nil {
		s.logger(ctx, "order.refund.failed", map[string]any{
			"orderId":         order.ID,
			"paymentIntentId": order.PaymentIntentID,
			"error":           err.Error(),
		})
		return order
	}

	next := order.Clone()
	next.RefundedAmount += refund.Amount
	next.PaymentStatus = domain.PaymentStatusRefunded
	if visitFeeRetained(order) {
		next.PaymentStatus = domain.PaymentStatusPartiallyRefunded
	}
	next.UpdatedAt = s.now()
	if err := s.save(ctx, order, &next); err != nil {
		s.logger(ctx, "order.refund.record.failed", map[string]any{
			"orderId": order.ID,
			"refund":  refund.ID,
			"error":   err.Error(),
		})
		return order
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventRefunded,
		CurrentStatus: string(next.Status),
		Actor:         string(domain.ActorSystem),
		OccurredAt:    next.UpdatedAt,
		Metadata: map[string]any{
			"refundId":         refund.ID,
			"amountMinorUnits": refund.Amount,
			"paymentStatus":    string(next.PaymentStatus),
		},
	}, next)
	return next
}

// refundOwed is what a cancelled order still has to give back. A paid site visit is
// retained: the visit happened even if the job is called off.
func refundOwed(order Order) int64 {
	if order.PaymentStatus != domain.PaymentStatusPaid || order.PaymentIntentID == "" || order.Pricing == nil {
		return 0
	}
	if visit := order.Metadata.VisitFee; visit != nil && visit.PaymentIntentID == order.PaymentIntentID {
		return 0
	}
	return order.Pricing.Total.Amount - order.RefundedAmount
}

func visitFeeRetained(order Order) bool {
	visit := order.Metadata.VisitFee
	return visit != nil && visit.PaidAt != nil && visit.PaymentIntentID != order.PaymentIntentID
}

func verifyCapture(order Order, intent payments.Intent) error {
	if !intent.Captured() {
		return fmt.Errorf("%w: intent %s is %s", ErrPaymentNotCaptured, intent.ID, intent.Status)
	}
	if intent.OrderID != "" && intent.OrderID != order.ID {
		return fmt.Errorf("%w: intent %s belongs to order %s", ErrPaymentNotCaptured, intent.ID, intent.OrderID)
	}
	if domain.NormalizeCurrency(intent.Currency) != order.Currency {
		return fmt.Errorf("%w: captured %s but order is in %s", ErrPaymentNotCaptured, intent.Currency, order.Currency)
	}
	due, ok := order.AmountDue()
	if !ok {
		return fmt.Errorf("%w: order %s has no amount due", ErrPreconditionNotMet, order.ID)
	}
	if intent.AmountReceived < due.Amount {
		return fmt.Errorf("%w: captured %d of %d", ErrPaymentNotCaptured, intent.AmountReceived, due.Amount)
	}
	return nil
}

func (s *orderService) archiveSnapshotImages(ctx context.Context, order *Order) {
	if s.images == nil || len(order.Snapshot.MasterImages) == 0 {
		return
	}
	archived, err := s.images.ArchiveImages(ctx, order.ID, order.Snapshot.MasterImages)
	if err != nil {
		s.logger(ctx, "order.snapshot.archive.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return
	}
	order.Snapshot.ArchivedImages = archived
}

func (s *orderService) findForIntent(ctx context.Context, orderID, intentID string) (Order, error) {
	if strings.TrimSpace(orderID) != "" {
		return s.load(ctx, orderID)
	}
	order, err := s.orders.FindByPaymentIntent(ctx, intentID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) load(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// save persists next as the successor of prev. The write only lands when the stored
// version still equals prev.Version.
func (s *orderService) save(ctx context.Context, prev Order, next *Order) error {
	next.Version = prev.Version + 1
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		return s.orders.Update(txCtx, *next, prev.Version)
	})
	if err != nil {
		return s.mapRepositoryError(err)
	}
	s.syncSchedule(*next)
	return nil
}

func (s *orderService) syncSchedule(order Order) {
	if s.scheduler == nil {
		return
	}
	if order.Status == domain.OrderStatusInProgress && order.AutoCompleteAt != nil {
		s.scheduler.Schedule(order.ID, *order.AutoCompleteAt)
		return
	}
	s.scheduler.Cancel(order.ID)
}

func (s *orderService) paymentContext(order Order) payments.PaymentContext {
	return payments.PaymentContext{Currency: order.Currency}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: order changed concurrently: %v", ErrPreconditionNotMet, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
		}
	}

	return err
}

func (s *orderService) mapListingError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	return s.mapRepositoryError(err)
}

func mapPaymentError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, payments.ErrProviderUnavailable) {
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishStatusChange(ctx context.Context, prev, next Order, actor domain.Actor, actorID string, metadata map[string]any) {
	if prev.Status == next.Status && metadata == nil {
		return
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		PreviousStatus: string(prev.Status),
		CurrentStatus:  string(next.Status),
		Actor:          string(actor),
		ActorID:        actorID,
		OccurredAt:     next.UpdatedAt,
		Metadata:       metadata,
	}, next)
}

func (s *orderService) publishPaymentRequested(ctx context.Context, order Order, intent payments.Intent, amount domain.Money) {
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentRequested,
		CurrentStatus: string(order.Status),
		Actor:         string(domain.ActorSystem),
		OccurredAt:    order.UpdatedAt,
		Metadata: map[string]any{
			"paymentIntentId":  intent.ID,
			"purpose":          string(intent.Purpose),
			"amountMinorUnits": amount.Amount,
			"currency":         amount.Currency,
		},
	}, order)
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent, order Order) {
	if s.events == nil {
		return
	}
	event.OrderID = order.ID
	event.BuyerID = order.BuyerID
	event.ProviderUserID = order.ProviderUserID
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// resolveActor checks actorID against the order's parties. With an empty role the
// role is derived from the id; the system role is only ever set by internal callers.
func resolveActor(order Order, actorID string, role domain.Actor) (domain.Actor, error) {
	switch role {
	case domain.ActorSystem:
		return domain.ActorSystem, nil
	case domain.ActorBuyer:
		if actorID != "" && actorID == order.BuyerID {
			return domain.ActorBuyer, nil
		}
	case domain.ActorProvider:
		if actorID != "" && actorID == order.ProviderUserID {
			return domain.ActorProvider, nil
		}
	case "":
		switch {
		case actorID == "":
		case actorID == order.BuyerID:
			return domain.ActorBuyer, nil
		case actorID == order.ProviderUserID:
			return domain.ActorProvider, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown actor %q", ErrOrderInvalidInput, role)
	}
	return "", fmt.Errorf("%w: %s may not act on order %s", ErrOrderForbidden, actorID, order.ID)
}

func resolveProviderUserID(provider domain.ProviderProfile) (string, error) {
	raw := strings.TrimSpace(provider.UserID)
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: provider %s has user id %q", ErrProviderIdentityUnresolved, provider.ID, raw)
	}
	return parsed.String(), nil
}

func orderCurrency(item domain.ListingItem, start FlowStart) string {
	if start.Pricing != nil {
		return start.Pricing.Total.Currency
	}
	if start.Metadata.VisitFee != nil {
		return domain.NormalizeCurrency(start.Metadata.VisitFee.VisitFee.Currency)
	}
	return domain.NormalizeCurrency(item.UnitPrice.Currency)
}

func cleanFreeText(value, field string) (string, error) {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) > maxFreeTextLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrOrderInvalidInput, field, maxFreeTextLength)
	}
	return value, nil
}

func orderRequestKey(buyerID, itemID, token string) string {
	sum := sha256.Sum256([]byte(buyerID + "|" + itemID + "|" + token))
	return hex.EncodeToString(sum[:])
}

func orderRequestFingerprint(flow domain.FlowType, quantity int, scope string, tip int64) string {
	payload := fmt.Sprintf("%s|%d|%s|%d", flow, quantity, scope, tip)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
