package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/platform/auth"
	"github.com/localhands/marketplace/internal/platform/httpx"
	"github.com/localhands/marketplace/internal/services"
)

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	err := httpx.DecodeJSON(r, limit, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
	}
	return false
}

// writeServiceError maps service failures by class so every route answers the same way.
// dependencyRetryAfter is the back-off suggested while a dependency is failing.
const dependencyRetryAfter = 5 * time.Second

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch services.Classify(err) {
	case services.ErrorClassInvalidInput:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case services.ErrorClassStateConflict:
		code := "order_conflict"
		switch {
		case errors.Is(err, services.ErrIllegalTransition):
			code = "illegal_transition"
		case errors.Is(err, services.ErrPreconditionNotMet):
			code = "precondition_not_met"
		case errors.Is(err, services.ErrPaymentNotCaptured):
			code = "payment_not_captured"
		case errors.Is(err, services.ErrDuplicateOrderRequest):
			code = "duplicate_request"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), http.StatusConflict))
	case services.ErrorClassDependencyFailure:
		httpx.WriteError(ctx, w, httpx.NewError("dependency_unavailable", "a dependency is temporarily unavailable, retry later", http.StatusServiceUnavailable).
			WithRetryAfter(dependencyRetryAfter))
	case services.ErrorClassNotFound:
		code := "order_not_found"
		if errors.Is(err, services.ErrCartItemNotFound) {
			code = "cart_item_not_found"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, "resource not found", http.StatusNotFound))
	case services.ErrorClassForbidden:
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not permitted to act on this order", http.StatusForbidden))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToUpper(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

type moneyPayload struct {
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	Formatted        string `json:"formatted,omitempty"`
}

func buildMoney(m domain.Money) moneyPayload {
	formatted := m.Formatted
	if formatted == "" && m.Currency != "" {
		formatted = domain.FormatMoney(m.Amount, m.Currency)
	}
	return moneyPayload{AmountMinorUnits: m.Amount, Currency: m.Currency, Formatted: formatted}
}

func buildMoneyPtr(m *domain.Money) *moneyPayload {
	if m == nil {
		return nil
	}
	out := buildMoney(*m)
	return &out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
