package services

import (
	"context"
	"errors"
)

var (
	// ErrInvalidQuantity indicates a quantity (units, days, hours) below one.
	ErrInvalidQuantity = errors.New("pricing: invalid quantity")
	// ErrUnsupportedPricingModel indicates the pricing model cannot be computed from the inputs given.
	ErrUnsupportedPricingModel = errors.New("pricing: unsupported pricing model")
	// ErrPricingInvalidInput covers malformed money, rates or overflowing amounts.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")

	// ErrIllegalTransition indicates the requested status change is not in the transition table.
	ErrIllegalTransition = errors.New("order: illegal transition")
	// ErrPreconditionNotMet indicates the transition exists but its guard failed, including
	// stale writes detected by the version check.
	ErrPreconditionNotMet = errors.New("order: precondition not met")
	// ErrPaymentNotCaptured indicates a payment signal arrived for funds that are not captured.
	ErrPaymentNotCaptured = errors.New("order: payment not captured")
	// ErrDuplicateOrderRequest indicates a client request token was reused for a different order.
	ErrDuplicateOrderRequest = errors.New("order: duplicate order request")
	// ErrProviderIdentityUnresolved indicates the provider's user id is not a well-formed UUID.
	ErrProviderIdentityUnresolved = errors.New("order: provider identity unresolved")

	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller is neither buyer nor provider of the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrDependencyUnavailable indicates a store or the payment collaborator failed transiently.
	ErrDependencyUnavailable = errors.New("order: dependency unavailable")
	// ErrDepositReleaseFailed indicates the payment collaborator refused to release a deposit hold.
	ErrDepositReleaseFailed = errors.New("order: deposit release failed")

	// ErrCartInvalidInput signals the cart request was malformed.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartItemNotFound indicates the cart item does not exist for the user.
	ErrCartItemNotFound = errors.New("cart: item not found")
	// ErrCartUnavailable wraps transient cart storage failures.
	ErrCartUnavailable = errors.New("cart: unavailable")
)

// ErrorClass groups errors by what the caller can do about them.
type ErrorClass string

const (
	// ErrorClassInvalidInput is fixable by the user.
	ErrorClassInvalidInput ErrorClass = "invalid_input"
	// ErrorClassStateConflict means the action is not currently possible for the order.
	ErrorClassStateConflict ErrorClass = "state_conflict"
	// ErrorClassDependencyFailure is transient and retryable.
	ErrorClassDependencyFailure ErrorClass = "dependency_failure"
	ErrorClassNotFound          ErrorClass = "not_found"
	ErrorClassForbidden         ErrorClass = "forbidden"
	ErrorClassInternal          ErrorClass = "internal"
)

// Classify maps an error returned by the services package onto an ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrUnsupportedPricingModel),
		errors.Is(err, ErrPricingInvalidInput),
		errors.Is(err, ErrOrderInvalidInput),
		errors.Is(err, ErrProviderIdentityUnresolved),
		errors.Is(err, ErrCartInvalidInput):
		return ErrorClassInvalidInput
	case errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrPreconditionNotMet),
		errors.Is(err, ErrPaymentNotCaptured),
		errors.Is(err, ErrDuplicateOrderRequest):
		return ErrorClassStateConflict
	case errors.Is(err, ErrDependencyUnavailable),
		errors.Is(err, ErrDepositReleaseFailed),
		errors.Is(err, ErrCartUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorClassDependencyFailure
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrCartItemNotFound):
		return ErrorClassNotFound
	case errors.Is(err, ErrOrderForbidden):
		return ErrorClassForbidden
	}
	return ErrorClassInternal
}
