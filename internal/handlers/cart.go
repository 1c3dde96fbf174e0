package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/localhands/marketplace/internal/platform/auth"
	"github.com/localhands/marketplace/internal/platform/httpx"
	"github.com/localhands/marketplace/internal/services"
)

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

const maxCartBodySize int64 = 16 * 1024

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listItems)
	r.Delete("/", h.clear)
	r.Get("/summary", h.summary)
	r.Post("/items", h.addItem)
	r.Patch("/items/{itemID}", h.updateItem)
	r.Delete("/items/{itemID}", h.removeItem)
}

type cartItemPayload struct {
	ID        string        `json:"id"`
	ItemID    string        `json:"item_id"`
	Quantity  int           `json:"quantity"`
	Name      string        `json:"name,omitempty"`
	Title     string        `json:"title,omitempty"`
	UnitPrice *moneyPayload `json:"unit_price,omitempty"`
	Available bool          `json:"available"`
	AddedAt   string        `json:"added_at"`
	UpdatedAt string        `json:"updated_at,omitempty"`
}

type cartListResponse struct {
	Items []cartItemPayload `json:"items"`
}

type cartItemResponse struct {
	Item cartItemPayload `json:"item"`
}

type cartSummaryLinePayload struct {
	CartItemID   string          `json:"cart_item_id"`
	ItemID       string          `json:"item_id"`
	Quantity     int             `json:"quantity"`
	QuotePending bool            `json:"quote_pending,omitempty"`
	Unavailable  bool            `json:"unavailable,omitempty"`
	Pricing      *pricingPayload `json:"pricing,omitempty"`
}

type cartSummaryResponse struct {
	Currency       string                   `json:"currency"`
	ItemCount      int                      `json:"item_count"`
	Subtotal       moneyPayload             `json:"subtotal"`
	EstimatedFees  moneyPayload             `json:"estimated_fees"`
	EstimatedTax   moneyPayload             `json:"estimated_tax"`
	EstimatedTotal moneyPayload             `json:"estimated_total"`
	Lines          []cartSummaryLinePayload `json:"lines"`
}

func (h *CartHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	items, err := h.carts.ListItems(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := cartListResponse{Items: make([]cartItemPayload, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, buildCartItem(item))
	}
	setCartETag(w, items)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type addCartItemRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req addCartItemRequest
	if !decodeBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	item, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID:   identity.UID,
		ItemID:   strings.TrimSpace(req.ItemID),
		Quantity: req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, cartItemResponse{Item: buildCartItem(item)})
}

type updateCartItemRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req updateCartItemRequest
	if !decodeBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}
	item, err := h.carts.UpdateQuantity(ctx, services.UpdateCartItemCommand{
		UserID:     identity.UID,
		CartItemID: strings.TrimSpace(chi.URLParam(r, "itemID")),
		Quantity:   *req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cartItemResponse{Item: buildCartItem(*item)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID:     identity.UID,
		CartItemID: strings.TrimSpace(chi.URLParam(r, "itemID")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) clear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.carts.Clear(ctx, identity.UID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.caller(w, r)
	if !ok {
		return
	}
	summary, err := h.carts.GetCartSummary(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := cartSummaryResponse{
		Currency:       summary.Currency,
		ItemCount:      summary.ItemCount,
		Subtotal:       buildMoney(summary.Subtotal),
		EstimatedFees:  buildMoney(summary.EstimatedFees),
		EstimatedTax:   buildMoney(summary.EstimatedTax),
		EstimatedTotal: buildMoney(summary.EstimatedTotal),
		Lines:          make([]cartSummaryLinePayload, 0, len(summary.Lines)),
	}
	for _, line := range summary.Lines {
		entry := cartSummaryLinePayload{
			CartItemID:   line.CartItemID,
			ItemID:       line.ItemID,
			Quantity:     line.Quantity,
			QuotePending: line.QuotePending,
			Unavailable:  line.Unavailable,
		}
		if line.Breakdown != nil {
			entry.Pricing = buildPricing(*line.Breakdown)
		}
		resp.Lines = append(resp.Lines, entry)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *CartHandlers) caller(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	return requireIdentity(ctx, w)
}

func buildCartItem(item services.CartItem) cartItemPayload {
	out := cartItemPayload{
		ID:        item.ID,
		ItemID:    item.ItemID,
		Quantity:  item.Quantity,
		Available: item.Item != nil && item.Item.Active,
		AddedAt:   formatTime(item.AddedAt),
		UpdatedAt: formatTime(item.UpdatedAt),
	}
	if item.Item != nil {
		out.Name = item.Item.Name
		price := buildMoney(item.Item.UnitPrice)
		out.UnitPrice = &price
	}
	if item.Master != nil {
		out.Title = item.Master.Title
	}
	return out
}

// setCartETag lets clients skip re-rendering an unchanged cart.
func setCartETag(w http.ResponseWriter, items []services.CartItem) {
	hasher := sha256.New()
	for _, item := range items {
		fmt.Fprintf(hasher, "%s:%d:%s;", item.ID, item.Quantity, item.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	w.Header().Set("ETag", `W/"`+hex.EncodeToString(hasher.Sum(nil))[:16]+`"`)
}
