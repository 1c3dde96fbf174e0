package domain

import (
	"fmt"
	"slices"
	"time"
)

// FlowType names the commercial pattern an order follows.
type FlowType string

const (
	// FlowInstantPay charges the full price up front and starts work on capture.
	FlowInstantPay FlowType = "INSTANT_PAY"
	// FlowQuoteRequest waits for a provider quote and buyer approval before payment.
	FlowQuoteRequest FlowType = "QUOTE_REQUEST"
	// FlowVisitFee bills an on-site assessment before scheduling or quoting the job.
	FlowVisitFee FlowType = "VISIT_FEE"
)

// Valid reports whether the flow type is recognised.
func (f FlowType) Valid() bool {
	switch f {
	case FlowInstantPay, FlowQuoteRequest, FlowVisitFee:
		return true
	}
	return false
}

// OrderStatus captures the lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPendingQuote waits for the provider to price the requested scope.
	OrderStatusPendingQuote OrderStatus = "PENDING_QUOTE"
	// OrderStatusPendingDeposit waits for the visit fee to be paid.
	OrderStatusPendingDeposit OrderStatus = "PENDING_DEPOSIT"
	// OrderStatusWaitingForPriceApproval waits for the buyer to approve a submitted quote.
	OrderStatusWaitingForPriceApproval OrderStatus = "WAITING_FOR_PRICE_APPROVAL"
	// OrderStatusPendingPayment waits for the payment collaborator to capture the total.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// OrderStatusPendingConfirmation is paid and waits for the provider to accept.
	OrderStatusPendingConfirmation OrderStatus = "PENDING_CONFIRMATION"
	// OrderStatusAccepted is paid and accepted but work has not started.
	OrderStatusAccepted OrderStatus = "ACCEPTED"
	// OrderStatusInProgress indicates fulfilment is underway.
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	// OrderStatusCompleted is terminal.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusDisputed freezes automatic transitions until resolved.
	OrderStatusDisputed OrderStatus = "DISPUTED"
)

// AllOrderStatuses lists every status in declaration order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPendingQuote,
	OrderStatusPendingDeposit,
	OrderStatusWaitingForPriceApproval,
	OrderStatusPendingPayment,
	OrderStatusPendingConfirmation,
	OrderStatusAccepted,
	OrderStatusInProgress,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusDisputed,
}

// Valid reports whether the status is recognised.
func (s OrderStatus) Valid() bool {
	return slices.Contains(AllOrderStatuses, s)
}

// Terminal reports whether no transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PostPayment reports whether the status can only be reached after payment capture.
func (s OrderStatus) PostPayment() bool {
	switch s {
	case OrderStatusPendingConfirmation, OrderStatusAccepted, OrderStatusInProgress:
		return true
	}
	return false
}

// PaymentStatus is the payment axis of an order, independent of OrderStatus.
type PaymentStatus string

const (
	PaymentStatusUnpaid            PaymentStatus = "UNPAID"
	PaymentStatusPaid              PaymentStatus = "PAID"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Actor identifies the role requesting a transition.
type Actor string

const (
	ActorBuyer    Actor = "buyer"
	ActorProvider Actor = "provider"
	ActorSystem   Actor = "system"
)

// Valid reports whether the actor role is recognised.
func (a Actor) Valid() bool {
	return a == ActorBuyer || a == ActorProvider || a == ActorSystem
}

// DepositStatus tracks a refundable deposit hold.
type DepositStatus string

const (
	DepositStatusPendingAuthorization DepositStatus = "PENDING_AUTHORIZATION"
	DepositStatusHeld                 DepositStatus = "HELD"
	DepositStatusReleased             DepositStatus = "RELEASED"
	DepositStatusReleaseFailed        DepositStatus = "RELEASE_FAILED"
)

// DepositHold is a refundable amount authorised alongside, but never counted in, the order total.
type DepositHold struct {
	Amount          Money         `json:"amount" firestore:"amount"`
	Status          DepositStatus `json:"status" firestore:"status"`
	PaymentIntentID string        `json:"paymentIntentId,omitempty" firestore:"paymentIntentId,omitempty"`
	HeldAt          *time.Time    `json:"heldAt,omitempty" firestore:"heldAt,omitempty"`
	ReleasedAt      *time.Time    `json:"releasedAt,omitempty" firestore:"releasedAt,omitempty"`
	FailureReason   string        `json:"failureReason,omitempty" firestore:"failureReason,omitempty"`
}

// OrderSnapshot is the display data frozen at order creation. It is never re-derived.
type OrderSnapshot struct {
	MasterTitle       string              `json:"masterTitle" firestore:"masterTitle"`
	MasterDescription string              `json:"masterDescription" firestore:"masterDescription"`
	MasterImages      []string            `json:"masterImages" firestore:"masterImages"`
	ArchivedImages    []string            `json:"archivedImages,omitempty" firestore:"archivedImages,omitempty"`
	ItemName          string              `json:"itemName" firestore:"itemName"`
	ItemDescription   string              `json:"itemDescription" firestore:"itemDescription"`
	ItemPricing       ItemPricingSnapshot `json:"itemPricing" firestore:"itemPricing"`
	ProviderName      string              `json:"providerName" firestore:"providerName"`
	ProviderBadges    []string            `json:"providerBadges" firestore:"providerBadges"`
}

// Clone returns a deep copy of the snapshot.
func (s OrderSnapshot) Clone() OrderSnapshot {
	dup := s
	dup.MasterImages = slices.Clone(s.MasterImages)
	dup.ArchivedImages = slices.Clone(s.ArchivedImages)
	dup.ProviderBadges = slices.Clone(s.ProviderBadges)
	dup.ItemPricing.Deposit = cloneMoneyPtr(s.ItemPricing.Deposit)
	dup.ItemPricing.VisitFee = cloneMoneyPtr(s.ItemPricing.VisitFee)
	return dup
}

// QuoteRevision records one provider quote submission.
type QuoteRevision struct {
	Amount      Money     `json:"amount" firestore:"amount"`
	Notes       string    `json:"notes,omitempty" firestore:"notes,omitempty"`
	ProviderID  string    `json:"providerId" firestore:"providerId"`
	SubmittedAt time.Time `json:"submittedAt" firestore:"submittedAt"`
}

// QuoteMetadata holds the quote negotiation for quote-request orders.
type QuoteMetadata struct {
	ScopeDescription string          `json:"scopeDescription" firestore:"scopeDescription"`
	Revisions        []QuoteRevision `json:"revisions,omitempty" firestore:"revisions,omitempty"`
	ApprovedAt       *time.Time      `json:"approvedAt,omitempty" firestore:"approvedAt,omitempty"`
}

// Latest returns the most recent quote revision.
func (q *QuoteMetadata) Latest() (QuoteRevision, bool) {
	if q == nil || len(q.Revisions) == 0 {
		return QuoteRevision{}, false
	}
	return q.Revisions[len(q.Revisions)-1], true
}

// VisitFeeResolution records what followed a paid site visit.
type VisitFeeResolution string

const (
	VisitFeeResolutionNone      VisitFeeResolution = ""
	VisitFeeResolutionScheduled VisitFeeResolution = "SCHEDULED"
	VisitFeeResolutionQuote     VisitFeeResolution = "QUOTE"
)

// VisitFeeMetadata holds the assessment charge and, after hand-off, the job quote.
type VisitFeeMetadata struct {
	VisitFee         Money              `json:"visitFee" firestore:"visitFee"`
	ScopeDescription string             `json:"scopeDescription,omitempty" firestore:"scopeDescription,omitempty"`
	PaidAt           *time.Time         `json:"paidAt,omitempty" firestore:"paidAt,omitempty"`
	PaymentIntentID  string             `json:"paymentIntentId,omitempty" firestore:"paymentIntentId,omitempty"`
	Resolution       VisitFeeResolution `json:"resolution,omitempty" firestore:"resolution,omitempty"`
	Quote            *QuoteMetadata     `json:"quote,omitempty" firestore:"quote,omitempty"`
}

// InstantPayMetadata holds the auto-complete policy for instant-pay orders.
type InstantPayMetadata struct {
	AutoCompleteAfter time.Duration `json:"autoCompleteAfter" firestore:"autoCompleteAfter"`
	AutoCompleted     bool          `json:"autoCompleted,omitempty" firestore:"autoCompleted,omitempty"`
}

// OrderMetadata is a tagged variant: exactly the member matching Flow is set.
type OrderMetadata struct {
	Flow       FlowType            `json:"flow" firestore:"flow"`
	InstantPay *InstantPayMetadata `json:"instantPay,omitempty" firestore:"instantPay,omitempty"`
	Quote      *QuoteMetadata      `json:"quote,omitempty" firestore:"quote,omitempty"`
	VisitFee   *VisitFeeMetadata   `json:"visitFee,omitempty" firestore:"visitFee,omitempty"`
}

// Validate checks the variant tag against the populated member.
func (m OrderMetadata) Validate() error {
	set := 0
	for _, present := range []bool{m.InstantPay != nil, m.Quote != nil, m.VisitFee != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("order metadata: expected exactly one variant, found %d", set)
	}
	switch m.Flow {
	case FlowInstantPay:
		if m.InstantPay == nil {
			return fmt.Errorf("order metadata: %s requires instant pay metadata", m.Flow)
		}
	case FlowQuoteRequest:
		if m.Quote == nil {
			return fmt.Errorf("order metadata: %s requires quote metadata", m.Flow)
		}
	case FlowVisitFee:
		if m.VisitFee == nil {
			return fmt.Errorf("order metadata: %s requires visit fee metadata", m.Flow)
		}
	default:
		return fmt.Errorf("order metadata: unknown flow %q", m.Flow)
	}
	return nil
}

// QuoteDetails returns the quote negotiation regardless of which flow carries it.
func (m OrderMetadata) QuoteDetails() *QuoteMetadata {
	switch {
	case m.Quote != nil:
		return m.Quote
	case m.VisitFee != nil:
		return m.VisitFee.Quote
	}
	return nil
}

// Clone returns a deep copy of the metadata.
func (m OrderMetadata) Clone() OrderMetadata {
	dup := m
	if m.InstantPay != nil {
		ip := *m.InstantPay
		dup.InstantPay = &ip
	}
	if m.Quote != nil {
		dup.Quote = cloneQuote(m.Quote)
	}
	if m.VisitFee != nil {
		vf := *m.VisitFee
		vf.PaidAt = cloneTimePtr(m.VisitFee.PaidAt)
		vf.Quote = cloneQuote(m.VisitFee.Quote)
		dup.VisitFee = &vf
	}
	return dup
}

func cloneQuote(q *QuoteMetadata) *QuoteMetadata {
	if q == nil {
		return nil
	}
	dup := *q
	dup.Revisions = slices.Clone(q.Revisions)
	dup.ApprovedAt = cloneTimePtr(q.ApprovedAt)
	return &dup
}

// DisputeRecord captures who raised a dispute and from which status.
type DisputeRecord struct {
	Reason         string      `json:"reason" firestore:"reason"`
	RaisedBy       Actor       `json:"raisedBy" firestore:"raisedBy"`
	RaisedByID     string      `json:"raisedById" firestore:"raisedById"`
	PreviousStatus OrderStatus `json:"previousStatus" firestore:"previousStatus"`
	RaisedAt       time.Time   `json:"raisedAt" firestore:"raisedAt"`
}

// Order is the aggregate root of the order lifecycle. Version increases by one on
// every persisted mutation and backs optimistic concurrency.
type Order struct {
	ID             string
	MasterID       string
	ItemID         string
	BuyerID        string
	ProviderID     string
	ProviderUserID string
	Flow           FlowType
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	Quantity       int
	Pricing        *PriceBreakdown
	Currency       string
	Snapshot       OrderSnapshot
	Metadata       OrderMetadata
	Deposit        *DepositHold
	Dispute        *DisputeRecord
	CancelReason   string

	PaymentIntentID       string
	SettledPaymentIntents []string
	RefundedAmount        int64

	AutoCompleteAt *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AcceptedAt     *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (o Order) Clone() Order {
	dup := o
	if o.Pricing != nil {
		pricing := o.Pricing.Clone()
		dup.Pricing = &pricing
	}
	dup.Snapshot = o.Snapshot.Clone()
	dup.Metadata = o.Metadata.Clone()
	if o.Deposit != nil {
		deposit := *o.Deposit
		deposit.HeldAt = cloneTimePtr(o.Deposit.HeldAt)
		deposit.ReleasedAt = cloneTimePtr(o.Deposit.ReleasedAt)
		dup.Deposit = &deposit
	}
	if o.Dispute != nil {
		dispute := *o.Dispute
		dup.Dispute = &dispute
	}
	dup.SettledPaymentIntents = slices.Clone(o.SettledPaymentIntents)
	dup.AutoCompleteAt = cloneTimePtr(o.AutoCompleteAt)
	dup.AcceptedAt = cloneTimePtr(o.AcceptedAt)
	dup.CompletedAt = cloneTimePtr(o.CompletedAt)
	dup.CancelledAt = cloneTimePtr(o.CancelledAt)
	return dup
}

// AmountDue returns what the buyer owes in the current status: the visit fee while
// PENDING_DEPOSIT, the priced total otherwise.
func (o Order) AmountDue() (Money, bool) {
	if o.Status == OrderStatusPendingDeposit && o.Metadata.VisitFee != nil {
		return o.Metadata.VisitFee.VisitFee, true
	}
	if o.Pricing == nil {
		return Money{}, false
	}
	return o.Pricing.Total, true
}

// HasSettled reports whether a payment intent was already applied to the order.
func (o Order) HasSettled(paymentIntentID string) bool {
	return paymentIntentID != "" && slices.Contains(o.SettledPaymentIntents, paymentIntentID)
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}
