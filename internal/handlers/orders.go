package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/localhands/marketplace/internal/domain"
	"github.com/localhands/marketplace/internal/platform/auth"
	"github.com/localhands/marketplace/internal/platform/httpx"
	"github.com/localhands/marketplace/internal/platform/pagination"
	"github.com/localhands/marketplace/internal/platform/requestctx"
	"github.com/localhands/marketplace/internal/platform/storage"
	"github.com/localhands/marketplace/internal/platform/textutil"
	"github.com/localhands/marketplace/internal/services"
)

const (
	defaultOrderPageSize       = 20
	maxOrderPageSize           = 100
	maxOrderBodySize     int64 = 16 * 1024
	maxScopeRunes              = 4000
	maxReasonRunes             = 1000
	idempotencyHeader          = "Idempotency-Key"

	defaultCreateBurst  = 10
	defaultCreateWindow = time.Minute
)

// OrderHandlers exposes the order lifecycle to buyers and providers.
type OrderHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	idempotency   func(http.Handler) http.Handler
	createLimiter rateLimiter
	signer        *storage.URLSigner
	listingBucket string
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency wraps every mutating order route with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderCreateRateLimit allows burst order creations per window and caller.
func WithOrderCreateRateLimit(burst int, window time.Duration, clock func() time.Time) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.createLimiter = newKeyedRateLimiter(burst, window, clock)
	}
}

// WithOrderImageSigner enables the signed snapshot image endpoint. Bare image names
// resolve against listingBucket.
func WithOrderImageSigner(signer *storage.URLSigner, listingBucket string) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.signer = signer
		h.listingBucket = strings.TrimSpace(listingBucket)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:         authn,
		orders:        orders,
		createLimiter: newKeyedRateLimiter(defaultCreateBurst, defaultCreateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/images", h.getOrderImages)

	r.Group(func(mut chi.Router) {
		if h.idempotency != nil {
			mut.Use(h.idempotency)
		}
		mut.Post("/", h.createOrder)
		mut.Post("/{orderID}:submit-quote", h.submitQuote)
		mut.Post("/{orderID}:request-quote-revision", h.requestRevision)
		mut.Post("/{orderID}:approve-quote", h.approveQuote)
		mut.Post("/{orderID}:request-payment", h.requestPayment)
		mut.Post("/{orderID}:accept", h.transitionTo(domain.OrderStatusAccepted))
		mut.Post("/{orderID}:start", h.transitionTo(domain.OrderStatusInProgress))
		mut.Post("/{orderID}:complete", h.transitionTo(domain.OrderStatusCompleted))
		mut.Post("/{orderID}:transition", h.transition)
		mut.Post("/{orderID}:cancel", h.cancelOrder)
		mut.Post("/{orderID}:dispute", h.raiseDispute)
		mut.Post("/{orderID}:confirm-return", h.confirmReturn)
	})
}

type createOrderRequest struct {
	Flow               string `json:"flow_type"`
	ItemID             string `json:"item_id"`
	Quantity           int    `json:"quantity"`
	ScopeDescription   string `json:"scope_description"`
	TipMinorUnits      int64  `json:"tip_minor_units"`
	ClientRequestToken string `json:"client_request_token"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.createLimiter != nil && !h.createLimiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many orders created, slow down", http.StatusTooManyRequests).
			WithRetryAfter(time.Second))
		return
	}

	var req createOrderRequest
	if !decodeBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	token := strings.TrimSpace(req.ClientRequestToken)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(idempotencyHeader))
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		Flow:               domain.FlowType(strings.ToUpper(strings.TrimSpace(req.Flow))),
		ItemID:             strings.TrimSpace(req.ItemID),
		BuyerID:            identity.UID,
		Quantity:           req.Quantity,
		ScopeDescription:   textutil.PlainText(req.ScopeDescription, maxScopeRunes),
		TipMinorUnits:      req.TipMinorUnits,
		ClientRequestToken: token,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.TagOrder(ctx, order.ID, string(order.Status))
	w.Header().Set("Location", "/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	role := services.OrderRole(strings.ToLower(strings.TrimSpace(query.Get("role"))))
	switch role {
	case "", services.OrderRoleBuyer, services.OrderRoleProvider:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "role must be buyer or provider", http.StatusBadRequest))
		return
	}

	var statuses []domain.OrderStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.OrderStatus(raw)
		if !status.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown status "+raw, http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	params, err := pagination.Parse(query, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.ListOrdersQuery{
		UserID:   identity.UID,
		Role:     role,
		Statuses: statuses,
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Items:         make([]orderSummaryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: orderID,
		ActorID: identity.UID,
		Staff:   identity.HasRole(auth.RoleOps),
	})
	writeOrder(ctx, w, order, err)
}

type orderImagesResponse struct {
	Images    []string `json:"images"`
	Archived  bool     `json:"archived"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

// getOrderImages signs short-lived URLs for the frozen snapshot images, preferring
// the archived copies over the live listing objects.
func (h *OrderHandlers) getOrderImages(w http.ResponseWriter, r *http.Request) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	if h.signer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("image_signing_unavailable", "image downloads are not configured", http.StatusServiceUnavailable))
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: orderID,
		ActorID: identity.UID,
		Staff:   identity.HasRole(auth.RoleOps),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if err := storage.AuthorizeOrderImages(identity, order.BuyerID, order.ProviderUserID); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not permitted to view order images", http.StatusForbidden))
		return
	}

	sources := order.Snapshot.ArchivedImages
	archived := len(sources) > 0
	if !archived {
		sources = order.Snapshot.MasterImages
	}
	resp := orderImagesResponse{Images: make([]string, 0, len(sources)), Archived: archived}
	for _, raw := range sources {
		ref, err := storage.ParseObjectRef(raw, h.listingBucket)
		if err != nil {
			continue
		}
		signed, expires, err := h.signer.DownloadURL(ctx, ref, 0)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("image_signing_failed", "failed to sign image url", http.StatusBadGateway))
			return
		}
		resp.Images = append(resp.Images, signed)
		resp.ExpiresAt = formatTime(expires)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type submitQuoteRequest struct {
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Notes            string `json:"notes"`
}

func (h *OrderHandlers) submitQuote(w http.ResponseWriter, r *http.Request) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	var req submitQuoteRequest
	if !decodeBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.SubmitQuote(ctx, services.SubmitQuoteCommand{
		OrderID:          orderID,
		ProviderUserID:   identity.UID,
		AmountMinorUnits: req.AmountMinorUnits,
		Notes:            textutil.PlainText(req.Notes, maxScopeRunes),
	})
	writeOrder(ctx, w, order, err)
}

type orderActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *OrderHandlers) requestRevision(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orders.RequestQuoteRevision)
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orders.Cancel)
}

func (h *OrderHandlers) raiseDispute(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orders.RaiseDispute)
}

func (h *OrderHandlers) confirmReturn(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orders.ConfirmReturn)
}

func (h *OrderHandlers) approveQuote(w http.ResponseWriter, r *http.Request) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.ApproveQuote(ctx, services.ApproveQuoteCommand{OrderID: orderID, BuyerID: identity.UID})
	writeOrder(ctx, w, order, err)
}

type paymentResponse struct {
	Order        orderPayload `json:"order"`
	IntentID     string       `json:"payment_intent_id"`
	ClientSecret string       `json:"client_secret,omitempty"`
	Amount       moneyPayload `json:"amount"`
}

func (h *OrderHandlers) requestPayment(w http.ResponseWriter, r *http.Request) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	req, err := h.orders.RequestPayment(ctx, services.OrderActionCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Actor:   domain.ActorBuyer,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResponse{
		Order:        buildOrderPayload(req.Order),
		IntentID:     req.IntentID,
		ClientSecret: req.ClientSecret,
		Amount:       buildMoney(req.Amount),
	})
}

type transitionRequest struct {
	Target string `json:"target"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *OrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, "")
}

// transitionTo serves the shortcut routes that name their target status in the path.
func (h *OrderHandlers) transitionTo(target domain.OrderStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.applyTransition(w, r, target)
	}
}

func (h *OrderHandlers) applyTransition(w http.ResponseWriter, r *http.Request, target domain.OrderStatus) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	if target == "" {
		target = domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Target)))
	}
	if !target.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target must be a valid order status", http.StatusBadRequest))
		return
	}
	actor, ok := parsePartyActor(req.Actor)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "actor must be buyer or provider", http.StatusBadRequest))
		return
	}
	order, err := h.orders.Transition(ctx, services.TransitionCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Actor:   actor,
		Target:  target,
		Reason:  textutil.PlainText(req.Reason, maxReasonRunes),
	})
	writeOrder(ctx, w, order, err)
}

func (h *OrderHandlers) runAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error)) {
	ctx, identity, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	var req orderActionRequest
	if !decodeBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	actor, ok := parsePartyActor(req.Actor)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "actor must be buyer or provider", http.StatusBadRequest))
		return
	}
	order, err := action(ctx, services.OrderActionCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Actor:   actor,
		Reason:  textutil.PlainText(req.Reason, maxReasonRunes),
	})
	writeOrder(ctx, w, order, err)
}

// orderRequest resolves the caller and the order id and tags the context with the id
// so every log line of the request carries it.
func (h *OrderHandlers) orderRequest(w http.ResponseWriter, r *http.Request) (context.Context, *auth.Identity, string, bool) {
	ctx := r.Context()
	if !h.available(w, r) {
		return ctx, nil, "", false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return ctx, nil, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return ctx, nil, "", false
	}
	requestctx.TagOrder(ctx, orderID, "")
	return requestctx.WithOrderID(ctx, orderID), identity, orderID, true
}

func (h *OrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.orders != nil {
		return true
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	return false
}

// writeOrder renders order and tags the request with its status.
func writeOrder(ctx context.Context, w http.ResponseWriter, order services.Order, err error) {
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.TagOrder(ctx, order.ID, string(order.Status))
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// parsePartyActor accepts an optional buyer/provider hint. The system actor is never
// accepted from clients.
func parsePartyActor(raw string) (domain.Actor, bool) {
	actor := domain.Actor(strings.ToLower(strings.TrimSpace(raw)))
	switch actor {
	case "", domain.ActorBuyer, domain.ActorProvider:
		return actor, true
	}
	return "", false
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID            string        `json:"id"`
	Flow          string        `json:"flow"`
	Status        string        `json:"status"`
	PaymentStatus string        `json:"payment_status"`
	Title         string        `json:"title"`
	Total         *moneyPayload `json:"total,omitempty"`
	CreatedAt     string        `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID             string             `json:"id"`
	Flow           string             `json:"flow"`
	Status         string             `json:"status"`
	PaymentStatus  string             `json:"payment_status"`
	BuyerID        string             `json:"buyer_id"`
	ProviderID     string             `json:"provider_id"`
	ProviderUserID string             `json:"provider_user_id"`
	ItemID         string             `json:"item_id"`
	Quantity       int                `json:"quantity"`
	Currency       string             `json:"currency"`
	Pricing        *pricingPayload    `json:"pricing,omitempty"`
	Snapshot       snapshotPayload    `json:"snapshot"`
	Quote          *quotePayload      `json:"quote,omitempty"`
	VisitFee       *visitFeePayload   `json:"visit_fee,omitempty"`
	Deposit        *depositPayload    `json:"deposit,omitempty"`
	Dispute        *disputePayload    `json:"dispute,omitempty"`
	CancelReason   string             `json:"cancel_reason,omitempty"`
	RefundedAmount int64              `json:"refunded_amount_minor_units,omitempty"`
	AutoCompleteAt string             `json:"auto_complete_at,omitempty"`
	Version        int64              `json:"version"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at,omitempty"`
	AcceptedAt     string             `json:"accepted_at,omitempty"`
	CompletedAt    string             `json:"completed_at,omitempty"`
	CancelledAt    string             `json:"cancelled_at,omitempty"`
	InstantPay     *instantPayPayload `json:"instant_pay,omitempty"`
}

type pricingPayload struct {
	PricingModel string        `json:"pricing_model"`
	UnitPrice    moneyPayload  `json:"unit_price"`
	Quantity     int           `json:"quantity"`
	BaseAmount   moneyPayload  `json:"base_amount"`
	ServiceFee   *moneyPayload `json:"service_fee,omitempty"`
	PlatformFee  moneyPayload  `json:"platform_fee"`
	TaxAmount    *moneyPayload `json:"tax_amount,omitempty"`
	TipAmount    *moneyPayload `json:"tip_amount,omitempty"`
	Total        moneyPayload  `json:"total"`
	Deposit      *moneyPayload `json:"deposit,omitempty"`
	FeeRatePct   string        `json:"fee_rate_pct"`
	TaxRatePct   string        `json:"tax_rate_pct"`
}

type snapshotPayload struct {
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	ItemName        string       `json:"item_name"`
	ItemDescription string       `json:"item_description"`
	ProviderName    string       `json:"provider_name"`
	ProviderBadges  []string     `json:"provider_badges,omitempty"`
	ImageCount      int          `json:"image_count"`
	PricingModel    string       `json:"pricing_model"`
	UnitPrice       moneyPayload `json:"unit_price"`
	PriceUnit       string       `json:"price_unit,omitempty"`
}

type quoteRevisionPayload struct {
	Amount      moneyPayload `json:"amount"`
	Notes       string       `json:"notes,omitempty"`
	SubmittedAt string       `json:"submitted_at"`
}

type quotePayload struct {
	ScopeDescription string                 `json:"scope_description"`
	Revisions        []quoteRevisionPayload `json:"revisions"`
	ApprovedAt       string                 `json:"approved_at,omitempty"`
}

type visitFeePayload struct {
	Fee        moneyPayload `json:"fee"`
	PaidAt     string       `json:"paid_at,omitempty"`
	Resolution string       `json:"resolution,omitempty"`
}

type instantPayPayload struct {
	AutoCompleteAfter string `json:"auto_complete_after"`
	AutoCompleted     bool   `json:"auto_completed,omitempty"`
}

type depositPayload struct {
	Amount     moneyPayload `json:"amount"`
	Status     string       `json:"status"`
	HeldAt     string       `json:"held_at,omitempty"`
	ReleasedAt string       `json:"released_at,omitempty"`
}

type disputePayload struct {
	Reason         string `json:"reason"`
	RaisedBy       string `json:"raised_by"`
	PreviousStatus string `json:"previous_status"`
	RaisedAt       string `json:"raised_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	out := orderSummaryPayload{
		ID:            order.ID,
		Flow:          string(order.Flow),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Title:         order.Snapshot.MasterTitle,
		CreatedAt:     formatTime(order.CreatedAt),
	}
	if order.Pricing != nil {
		total := buildMoney(order.Pricing.Total)
		out.Total = &total
	}
	return out
}

func buildOrderPayload(order services.Order) orderPayload {
	out := orderPayload{
		ID:             order.ID,
		Flow:           string(order.Flow),
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		BuyerID:        order.BuyerID,
		ProviderID:     order.ProviderID,
		ProviderUserID: order.ProviderUserID,
		ItemID:         order.ItemID,
		Quantity:       order.Quantity,
		Currency:       order.Currency,
		CancelReason:   order.CancelReason,
		RefundedAmount: order.RefundedAmount,
		AutoCompleteAt: formatTimePtr(order.AutoCompleteAt),
		Version:        order.Version,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		AcceptedAt:     formatTimePtr(order.AcceptedAt),
		CompletedAt:    formatTimePtr(order.CompletedAt),
		CancelledAt:    formatTimePtr(order.CancelledAt),
		Snapshot:       buildSnapshot(order.Snapshot),
	}
	if order.Pricing != nil {
		out.Pricing = buildPricing(*order.Pricing)
	}
	if q := order.Metadata.QuoteDetails(); q != nil {
		out.Quote = buildQuote(q)
	}
	if vf := order.Metadata.VisitFee; vf != nil {
		out.VisitFee = &visitFeePayload{
			Fee:        buildMoney(vf.VisitFee),
			PaidAt:     formatTimePtr(vf.PaidAt),
			Resolution: string(vf.Resolution),
		}
	}
	if ip := order.Metadata.InstantPay; ip != nil {
		out.InstantPay = &instantPayPayload{
			AutoCompleteAfter: ip.AutoCompleteAfter.String(),
			AutoCompleted:     ip.AutoCompleted,
		}
	}
	if d := order.Deposit; d != nil {
		out.Deposit = &depositPayload{
			Amount:     buildMoney(d.Amount),
			Status:     string(d.Status),
			HeldAt:     formatTimePtr(d.HeldAt),
			ReleasedAt: formatTimePtr(d.ReleasedAt),
		}
	}
	if d := order.Dispute; d != nil {
		out.Dispute = &disputePayload{
			Reason:         d.Reason,
			RaisedBy:       string(d.RaisedBy),
			PreviousStatus: string(d.PreviousStatus),
			RaisedAt:       formatTime(d.RaisedAt),
		}
	}
	return out
}

func buildPricing(b domain.PriceBreakdown) *pricingPayload {
	return &pricingPayload{
		PricingModel: string(b.PricingModel),
		UnitPrice:    buildMoney(b.UnitPrice),
		Quantity:     b.Quantity,
		BaseAmount:   buildMoney(b.BaseAmount),
		ServiceFee:   buildMoneyPtr(b.ServiceFee),
		PlatformFee:  buildMoney(b.PlatformFee),
		TaxAmount:    buildMoneyPtr(b.TaxAmount),
		TipAmount:    buildMoneyPtr(b.TipAmount),
		Total:        buildMoney(b.Total),
		Deposit:      buildMoneyPtr(b.Deposit),
		FeeRatePct:   b.FeeRatePct,
		TaxRatePct:   b.TaxRatePct,
	}
}

func buildSnapshot(s domain.OrderSnapshot) snapshotPayload {
	images := len(s.ArchivedImages)
	if images == 0 {
		images = len(s.MasterImages)
	}
	return snapshotPayload{
		Title:           s.MasterTitle,
		Description:     s.MasterDescription,
		ItemName:        s.ItemName,
		ItemDescription: s.ItemDescription,
		ProviderName:    s.ProviderName,
		ProviderBadges:  s.ProviderBadges,
		ImageCount:      images,
		PricingModel:    string(s.ItemPricing.Model),
		UnitPrice:       buildMoney(s.ItemPricing.UnitPrice),
		PriceUnit:       s.ItemPricing.PriceUnit,
	}
}

func buildQuote(q *domain.QuoteMetadata) *quotePayload {
	out := &quotePayload{
		ScopeDescription: q.ScopeDescription,
		Revisions:        make([]quoteRevisionPayload, 0, len(q.Revisions)),
		ApprovedAt:       formatTimePtr(q.ApprovedAt),
	}
	for _, rev := range q.Revisions {
		out.Revisions = append(out.Revisions, quoteRevisionPayload{
			Amount:      buildMoney(rev.Amount),
			Notes:       rev.Notes,
			SubmittedAt: formatTime(rev.SubmittedAt),
		})
	}
	return out
}
