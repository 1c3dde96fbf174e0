package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/localhands/marketplace/internal/platform/httpx"
	"github.com/localhands/marketplace/internal/services"
)

const (
	defaultSweepLimit = 200
	maxSweepLimit     = 1000
)

// InternalOrderHandlers serves scheduler-driven order maintenance. Callers are
// authenticated by the OIDC middleware mounted on the /internal group.
type InternalOrderHandlers struct {
	orders services.OrderService
}

// NewInternalOrderHandlers constructs the internal maintenance endpoints.
func NewInternalOrderHandlers(orders services.OrderService) *InternalOrderHandlers {
	return &InternalOrderHandlers{orders: orders}
}

// Routes registers the endpoints under /internal.
func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders:sweep-auto-complete", h.sweepAutoComplete)
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

type sweepResponse struct {
	Examined  int `json:"examined"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
}

func (h *InternalOrderHandlers) sweepAutoComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req sweepRequest
	if !decodeBody(ctx, w, r, httpx.DefaultBodyLimit, &req) {
		return
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultSweepLimit
	case limit > maxSweepLimit:
		limit = maxSweepLimit
	}

	result, err := h.orders.SweepAutoCompletions(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{
		Examined:  result.Examined,
		Completed: result.Completed,
		Skipped:   result.Skipped,
	})
}
