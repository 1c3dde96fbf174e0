package services

import (
	"fmt"
	"slices"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
)

// TransitionRequest asks the state machine to move an order to Target on behalf of Actor.
// Automatic marks timer-driven requests, which a dispute freezes.
type TransitionRequest struct {
	Actor     domain.Actor
	Target    domain.OrderStatus
	Automatic bool
	Now       time.Time
}

type transitionGuard func(order domain.Order, req TransitionRequest) error

type transitionRule struct {
	from   domain.OrderStatus
	to     domain.OrderStatus
	actors []domain.Actor
	guards []transitionGuard
}

var (
	buyerOnly        = []domain.Actor{domain.ActorBuyer}
	providerOnly     = []domain.Actor{domain.ActorProvider}
	systemOnly       = []domain.Actor{domain.ActorSystem}
	buyerOrSystem    = []domain.Actor{domain.ActorBuyer, domain.ActorSystem}
	providerOrSystem = []domain.Actor{domain.ActorProvider, domain.ActorSystem}
	orderParties     = []domain.Actor{domain.ActorBuyer, domain.ActorProvider}
	anyActor         = []domain.Actor{domain.ActorBuyer, domain.ActorProvider, domain.ActorSystem}
)

// cancellableStatuses are those before the irreversible fulfilment step.
var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPendingQuote,
	domain.OrderStatusPendingDeposit,
	domain.OrderStatusWaitingForPriceApproval,
	domain.OrderStatusPendingPayment,
	domain.OrderStatusPendingConfirmation,
	domain.OrderStatusAccepted,
}

var orderTransitionRules = buildTransitionRules()

func buildTransitionRules() []transitionRule {
	rules := []transitionRule{
		{from: domain.OrderStatusPendingPayment, to: domain.OrderStatusPendingConfirmation, actors: buyerOrSystem, guards: []transitionGuard{requirePaid}},
		{from: domain.OrderStatusPendingPayment, to: domain.OrderStatusAccepted, actors: buyerOrSystem, guards: []transitionGuard{requirePaid}},
		{from: domain.OrderStatusPendingQuote, to: domain.OrderStatusWaitingForPriceApproval, actors: providerOnly, guards: []transitionGuard{requireQuote}},
		{from: domain.OrderStatusWaitingForPriceApproval, to: domain.OrderStatusPendingQuote, actors: orderParties},
		{from: domain.OrderStatusWaitingForPriceApproval, to: domain.OrderStatusPendingPayment, actors: buyerOnly, guards: []transitionGuard{requireQuote}},
		{from: domain.OrderStatusPendingDeposit, to: domain.OrderStatusPendingQuote, actors: buyerOrSystem, guards: []transitionGuard{requirePaid}},
		{from: domain.OrderStatusPendingDeposit, to: domain.OrderStatusInProgress, actors: buyerOrSystem, guards: []transitionGuard{requirePaid}},
		{from: domain.OrderStatusPendingConfirmation, to: domain.OrderStatusInProgress, actors: providerOnly, guards: []transitionGuard{requirePaid}},
		{from: domain.OrderStatusAccepted, to: domain.OrderStatusInProgress, actors: providerOrSystem, guards: []transitionGuard{requirePaid}},
		{from: domain.OrderStatusInProgress, to: domain.OrderStatusCompleted, actors: anyActor, guards: []transitionGuard{requireAutoCompleteDue}},
		{from: domain.OrderStatusDisputed, to: domain.OrderStatusCompleted, actors: systemOnly, guards: []transitionGuard{requireManual}},
		{from: domain.OrderStatusDisputed, to: domain.OrderStatusCancelled, actors: systemOnly, guards: []transitionGuard{requireManual}},
	}
	for _, status := range cancellableStatuses {
		rules = append(rules, transitionRule{from: status, to: domain.OrderStatusCancelled, actors: anyActor})
	}
	for _, status := range domain.AllOrderStatuses {
		if status.Terminal() || status == domain.OrderStatusDisputed {
			continue
		}
		rules = append(rules, transitionRule{from: status, to: domain.OrderStatusDisputed, actors: orderParties, guards: []transitionGuard{requireManual}})
	}
	return rules
}

func findRule(from, to domain.OrderStatus) (transitionRule, bool) {
	for _, rule := range orderTransitionRules {
		if rule.from == from && rule.to == to {
			return rule, true
		}
	}
	return transitionRule{}, false
}

// CanTransition reports whether the table contains from → to for the actor, ignoring guards.
func CanTransition(from, to domain.OrderStatus, actor domain.Actor) bool {
	rule, ok := findRule(from, to)
	return ok && slices.Contains(rule.actors, actor)
}

// AllowedTransitions lists the targets the actor could request from the order's status,
// ignoring guards.
func AllowedTransitions(status domain.OrderStatus, actor domain.Actor) []domain.OrderStatus {
	var targets []domain.OrderStatus
	for _, rule := range orderTransitionRules {
		if rule.from == status && slices.Contains(rule.actors, actor) {
			targets = append(targets, rule.to)
		}
	}
	return targets
}

// ApplyTransition validates req against the transition table and returns the updated
// copy of order. The input is never modified; on error the zero Order is returned.
func ApplyTransition(order domain.Order, req TransitionRequest) (domain.Order, error) {
	from := order.Status
	rule, ok := findRule(from, req.Target)
	if !ok || !slices.Contains(rule.actors, req.Actor) {
		return domain.Order{}, fmt.Errorf("%w: %s cannot move %s → %s", ErrIllegalTransition, req.Actor, from, req.Target)
	}
	if req.Target.PostPayment() && order.PaymentStatus != domain.PaymentStatusPaid {
		return domain.Order{}, fmt.Errorf("%w: %s requires a captured payment", ErrPreconditionNotMet, req.Target)
	}
	for _, guard := range rule.guards {
		if err := guard(order, req); err != nil {
			return domain.Order{}, err
		}
	}

	next := order.Clone()
	next.Status = req.Target
	next.UpdatedAt = req.Now
	applyTransitionEffects(&next, from, req)
	return next, nil
}

func applyTransitionEffects(order *domain.Order, from domain.OrderStatus, req TransitionRequest) {
	now := req.Now
	switch req.Target {
	case domain.OrderStatusAccepted:
		setOnce(&order.AcceptedAt, now)
	case domain.OrderStatusInProgress:
		setOnce(&order.AcceptedAt, now)
		if order.Metadata.InstantPay != nil && order.Metadata.InstantPay.AutoCompleteAfter > 0 {
			at := now.Add(order.Metadata.InstantPay.AutoCompleteAfter)
			order.AutoCompleteAt = &at
		}
	case domain.OrderStatusCompleted:
		setOnce(&order.CompletedAt, now)
		if req.Automatic && order.Metadata.InstantPay != nil {
			order.Metadata.InstantPay.AutoCompleted = true
		}
	case domain.OrderStatusCancelled:
		setOnce(&order.CancelledAt, now)
	case domain.OrderStatusDisputed:
		order.Dispute = &domain.DisputeRecord{
			RaisedBy:       req.Actor,
			PreviousStatus: from,
			RaisedAt:       now,
		}
	case domain.OrderStatusPendingPayment:
		// A fresh amount is due, e.g. the job price after a paid site visit.
		if order.PaymentStatus == domain.PaymentStatusPaid {
			order.PaymentStatus = domain.PaymentStatusUnpaid
			order.PaymentIntentID = ""
		}
	}
	if from == domain.OrderStatusInProgress && req.Target != domain.OrderStatusInProgress {
		order.AutoCompleteAt = nil
	}
}

func setOnce(field **time.Time, now time.Time) {
	if *field != nil {
		return
	}
	ts := now
	*field = &ts
}

func requirePaid(order domain.Order, _ TransitionRequest) error {
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return fmt.Errorf("%w: payment status is %s", ErrPreconditionNotMet, order.PaymentStatus)
	}
	return nil
}

func requireQuote(order domain.Order, _ TransitionRequest) error {
	quote := order.Metadata.QuoteDetails()
	if _, ok := quote.Latest(); !ok {
		return fmt.Errorf("%w: no quote has been submitted", ErrPreconditionNotMet)
	}
	if order.Pricing == nil || order.Pricing.Total.Amount < 0 {
		return fmt.Errorf("%w: quote has not been priced", ErrPreconditionNotMet)
	}
	return nil
}

// requireAutoCompleteDue restricts system completion to instant-pay orders whose timer elapsed.
func requireAutoCompleteDue(order domain.Order, req TransitionRequest) error {
	if req.Actor != domain.ActorSystem {
		return nil
	}
	if order.Flow != domain.FlowInstantPay || order.AutoCompleteAt == nil {
		return fmt.Errorf("%w: auto-complete applies to instant pay orders only", ErrPreconditionNotMet)
	}
	if req.Now.Before(*order.AutoCompleteAt) {
		return fmt.Errorf("%w: auto-complete not due until %s", ErrPreconditionNotMet, order.AutoCompleteAt.Format(time.RFC3339))
	}
	return nil
}

func requireManual(_ domain.Order, req TransitionRequest) error {
	if req.Automatic {
		return fmt.Errorf("%w: automatic transitions are frozen", ErrPreconditionNotMet)
	}
	return nil
}
