package services

import (
	"context"

	domain "github.com/localhands/marketplace/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	CartItem           = domain.CartItem
	CartSummary        = domain.CartSummary
	Money              = domain.Money
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the order lifecycle: creation through a flow, quoting, payment
// capture, fulfilment, cancellation, disputes and deposit release.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[Order], error)

	SubmitQuote(ctx context.Context, cmd SubmitQuoteCommand) (Order, error)
	RequestQuoteRevision(ctx context.Context, cmd OrderActionCommand) (Order, error)
	ApproveQuote(ctx context.Context, cmd ApproveQuoteCommand) (Order, error)

	// MarkPaid applies a captured payment. Repeated calls with a settled intent return
	// the stored order unchanged.
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error)
	RecordPaymentFailure(ctx context.Context, cmd PaymentFailureCommand) (Order, error)
	MarkDepositHeld(ctx context.Context, cmd DepositHeldCommand) (Order, error)
	RequestPayment(ctx context.Context, cmd OrderActionCommand) (PaymentRequest, error)

	Transition(ctx context.Context, cmd TransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd OrderActionCommand) (Order, error)
	RaiseDispute(ctx context.Context, cmd OrderActionCommand) (Order, error)
	ConfirmReturn(ctx context.Context, cmd OrderActionCommand) (Order, error)

	AutoComplete(ctx context.Context, orderID string) (Order, error)
	SweepAutoCompletions(ctx context.Context, limit int) (SweepResult, error)
}

// CartService manages a buyer's pending selections and prices them with the order formula.
type CartService interface {
	ListItems(ctx context.Context, userID string) ([]CartItem, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartItem, error)
	UpdateQuantity(ctx context.Context, cmd UpdateCartItemCommand) (*CartItem, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) error
	Clear(ctx context.Context, userID string) error
	GetCartSummary(ctx context.Context, userID string) (CartSummary, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand asks for a new order on a listing item through a flow.
// ClientRequestToken makes retries of the same submission return the same order.
type CreateOrderCommand struct {
	Flow               domain.FlowType
	ItemID             string
	BuyerID            string
	Quantity           int
	ScopeDescription   string
	TipMinorUnits      int64
	ClientRequestToken string
}

// GetOrderQuery reads an order on behalf of one of its parties. Staff skips the party
// check for operations users.
type GetOrderQuery struct {
	OrderID string
	ActorID string
	Staff   bool
}

// OrderRole selects which side of the marketplace a listing is for.
type OrderRole string

const (
	OrderRoleBuyer    OrderRole = "buyer"
	OrderRoleProvider OrderRole = "provider"
)

// ListOrdersQuery lists a user's orders as buyer or provider.
type ListOrdersQuery struct {
	UserID     string
	Role       OrderRole
	Statuses   []domain.OrderStatus
	Pagination Pagination
}

// SubmitQuoteCommand carries the provider's price for the requested scope.
type SubmitQuoteCommand struct {
	OrderID          string
	ProviderUserID   string
	AmountMinorUnits int64
	Notes            string
}

// ApproveQuoteCommand records the buyer's acceptance of the latest quote.
type ApproveQuoteCommand struct {
	OrderID string
	BuyerID string
}

// MarkPaidCommand is produced by the payment collaborator's capture callback.
// OrderID may be empty, in which case the order is resolved from the intent.
type MarkPaidCommand struct {
	OrderID         string
	PaymentIntentID string
}

// PaymentFailureCommand records a failed payment attempt without moving the order.
type PaymentFailureCommand struct {
	OrderID         string
	PaymentIntentID string
	Reason          string
}

// DepositHeldCommand records that the deposit authorisation succeeded.
type DepositHeldCommand struct {
	OrderID          string
	PaymentIntentID  string
	AmountMinorUnits int64
}

// OrderActionCommand is the common shape for party-initiated actions on an order.
// Actor may be left empty to resolve the role from ActorID.
type OrderActionCommand struct {
	OrderID string
	ActorID string
	Actor   domain.Actor
	Reason  string
}

// TransitionCommand is the generic transition entry point.
type TransitionCommand struct {
	OrderID string
	ActorID string
	Actor   domain.Actor
	Target  domain.OrderStatus
	Reason  string
}

// PaymentRequest describes the charge a buyer must complete for an order.
type PaymentRequest struct {
	Order        Order
	IntentID     string
	ClientSecret string
	Amount       Money
}

// SweepResult summarises one auto-complete sweep.
type SweepResult struct {
	Examined  int
	Completed int
	Skipped   int
}

// AddCartItemCommand adds a listing item to a buyer's cart, merging with an existing line.
type AddCartItemCommand struct {
	UserID   string
	ItemID   string
	Quantity int
}

// UpdateCartItemCommand sets a cart line's quantity; zero removes the line.
type UpdateCartItemCommand struct {
	UserID     string
	CartItemID string
	Quantity   int
}

// RemoveCartItemCommand deletes a cart line.
type RemoveCartItemCommand struct {
	UserID     string
	CartItemID string
}
