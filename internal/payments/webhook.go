package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// EventKind is the normalised payment callback type.
type EventKind string

const (
	EventPaymentSucceeded   EventKind = "payment_succeeded"
	EventPaymentFailed      EventKind = "payment_failed"
	EventAmountCapturable   EventKind = "amount_capturable"
	EventPaymentCanceled    EventKind = "payment_canceled"
	EventUnhandled          EventKind = "unhandled"
	stripeSignatureHeader             = "Stripe-Signature"
	defaultWebhookTolerance           = 5 * time.Minute
)

// StripeSignatureHeader is the header carrying the webhook signature.
const StripeSignatureHeader = stripeSignatureHeader

var (
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when a verified payload cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
)

// WebhookEvent is a verified PSP callback reduced to what order processing needs.
type WebhookEvent struct {
	ID            string
	Kind          EventKind
	Type          string
	Intent        Intent
	FailureReason string
	ReceivedAt    time.Time
}

// StripeWebhookVerifier checks Stripe signatures and decodes PaymentIntent events.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
	clock     func() time.Time
}

// NewStripeWebhookVerifier builds a verifier for the endpoint signing secret.
func NewStripeWebhookVerifier(secret string, tolerance time.Duration, clock func() time.Time) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	if clock == nil {
		clock = time.Now
	}
	return &StripeWebhookVerifier{secret: secret, tolerance: tolerance, clock: clock}, nil
}

// Verify validates the signature header and decodes the payload.
func (v *StripeWebhookVerifier) Verify(payload []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeStripeEvent(event, v.clock)
}

func decodeStripeEvent(event stripe.Event, clock func() time.Time) (WebhookEvent, error) {
	out := WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Kind:       EventUnhandled,
		ReceivedAt: clock().UTC(),
	}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		out.Kind = EventPaymentSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		out.Kind = EventPaymentFailed
	case stripe.EventTypePaymentIntentAmountCapturableUpdated:
		out.Kind = EventAmountCapturable
	case stripe.EventTypePaymentIntentCanceled:
		out.Kind = EventPaymentCanceled
	default:
		return out, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, event.ID)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if intent.ID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: %s carries no payment intent id", ErrMalformedEvent, event.ID)
	}
	// Intent.OrderID may be empty for intents created outside the order flow; the
	// order is then resolved from the intent id.
	out.Intent = stripeIntent(&intent, clock)
	if intent.LastPaymentError != nil {
		out.FailureReason = intent.LastPaymentError.Msg
		if out.FailureReason == "" {
			out.FailureReason = string(intent.LastPaymentError.Code)
		}
	}
	return out, nil
}
