package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/platform/httpx"
	"github.com/localhands/marketplace/internal/platform/requestctx"
	"github.com/localhands/marketplace/internal/services"
)

const maxWebhookBodySize int64 = 256 * 1024

type webhookVerifier interface {
	Verify(payload []byte, signature string) (payments.WebhookEvent, error)
}

// PaymentWebhookHandlers receives payment collaborator callbacks and feeds them to the
// order service.
type PaymentWebhookHandlers struct {
	verifier webhookVerifier
	orders   services.OrderService
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentWebhookHandlers constructs the Stripe webhook endpoint. logger may be nil.
func NewPaymentWebhookHandlers(verifier webhookVerifier, orders services.OrderService, logger func(context.Context, string, map[string]any)) *PaymentWebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentWebhookHandlers{verifier: verifier, orders: orders, logger: logger}
}

// Routes registers the webhook endpoints under /webhooks.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// handleStripe acknowledges every verified event it cannot act on so the sender stops
// retrying; only transient failures answer 5xx.
func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body too large", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get(payments.StripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.logger(ctx, "payments.webhook.signature_failed", map[string]any{"error": err})
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		h.logger(ctx, "payments.webhook.decode_failed", map[string]any{"error": err})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook event could not be decoded", http.StatusBadRequest))
		return
	}

	if event.Intent.OrderID != "" {
		ctx = requestctx.WithOrderID(ctx, event.Intent.OrderID)
		requestctx.TagOrder(ctx, event.Intent.OrderID, "")
	}
	fields := map[string]any{
		"eventId":         event.ID,
		"eventType":       event.Type,
		"paymentIntentId": event.Intent.ID,
	}

	var order services.Order
	switch event.Kind {
	case payments.EventPaymentSucceeded:
		order, err = h.orders.MarkPaid(ctx, services.MarkPaidCommand{
			OrderID:         event.Intent.OrderID,
			PaymentIntentID: event.Intent.ID,
		})
	case payments.EventPaymentFailed:
		order, err = h.orders.RecordPaymentFailure(ctx, services.PaymentFailureCommand{
			OrderID:         event.Intent.OrderID,
			PaymentIntentID: event.Intent.ID,
			Reason:          event.FailureReason,
		})
	case payments.EventAmountCapturable:
		order, err = h.orders.MarkDepositHeld(ctx, services.DepositHeldCommand{
			OrderID:          event.Intent.OrderID,
			PaymentIntentID:  event.Intent.ID,
			AmountMinorUnits: event.Intent.AmountCapturable,
		})
	default:
		h.logger(ctx, "payments.webhook.ignored", fields)
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Outcome: "ignored"})
		return
	}

	if err != nil {
		fields["error"] = err
		switch services.Classify(err) {
		case services.ErrorClassDependencyFailure, services.ErrorClassInternal:
			h.logger(ctx, "payments.webhook.apply_failed", fields)
			httpx.WriteError(ctx, w, httpx.NewError("webhook_retry", "event could not be applied, retry later", http.StatusServiceUnavailable))
			return
		}
		h.logger(ctx, "payments.webhook.rejected", fields)
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Outcome: "rejected"})
		return
	}

	requestctx.TagOrder(ctx, order.ID, string(order.Status))
	h.logger(ctx, "payments.webhook.applied", fields)
	httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Outcome: "applied"})
}
