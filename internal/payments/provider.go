package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment intent states shared across providers.
type Status string

const (
	// StatusPending indicates the intent awaits customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusRequiresCapture indicates funds are authorised and held but not captured.
	StatusRequiresCapture Status = "requires_capture"
	// StatusSucceeded indicates the PSP captured the funds.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the last payment attempt failed.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the intent was cancelled and any hold released.
	StatusCanceled Status = "canceled"
)

// Purpose tags what an intent pays for. It travels in PSP metadata so callbacks can be routed.
type Purpose string

const (
	PurposeOrderTotal  Purpose = "order_total"
	PurposeVisitFee    Purpose = "visit_fee"
	PurposeDepositHold Purpose = "deposit_hold"
)

// CaptureMethod controls whether the PSP captures immediately or only authorises.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

const (
	metadataOrderID = "order_id"
	metadataPurpose = "purpose"
	metadataBuyerID = "buyer_id"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrProviderUnavailable marks transient PSP failures, including an open circuit.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
)

// IntentRequest asks the PSP for a payment intent.
type IntentRequest struct {
	OrderID        string
	BuyerID        string
	Amount         int64
	Currency       string
	Purpose        Purpose
	CaptureMethod  CaptureMethod
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the normalised view of a PSP payment intent.
type Intent struct {
	ID               string
	Provider         string
	ClientSecret     string
	Status           Status
	Amount           int64
	AmountReceived   int64
	AmountCapturable int64
	Currency         string
	OrderID          string
	Purpose          Purpose
	CreatedAt        time.Time
}

// Captured reports whether the intent's funds were captured.
func (i Intent) Captured() bool {
	return i.Status == StatusSucceeded && i.AmountReceived > 0
}

// CancelRequest cancels an intent, releasing any authorised hold.
type CancelRequest struct {
	IntentID       string
	Reason         string
	IdempotencyKey string
}

// RefundRequest defines a PSP refund attempt. A nil Amount refunds everything captured.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is the normalised PSP refund.
type Refund struct {
	ID       string
	IntentID string
	Amount   int64
	Currency string
	Status   string
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CancelIntent(ctx context.Context, req CancelRequest) (Intent, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
	LookupIntent(ctx context.Context, intentID string) (Intent, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		registered[key] = v
	}
	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if key, ok := m.currencyRoutes[currency]; ok {
			key = strings.TrimSpace(strings.ToLower(key))
			if p, ok := m.providers[key]; ok {
				return key, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	if req.Amount < 0 {
		return Intent{}, fmt.Errorf("payments: amount must be non-negative, got %d", req.Amount)
	}
	if paymentCtx.Currency == "" {
		paymentCtx.Currency = req.Currency
	}
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// CancelIntent delegates to the resolved provider.
func (m *Manager) CancelIntent(ctx context.Context, paymentCtx PaymentContext, req CancelRequest) (Intent, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	return provider.CancelIntent(ctx, req)
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (Refund, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Refund{}, err
	}
	return provider.Refund(ctx, req)
}

// LookupIntent delegates to the resolved provider.
func (m *Manager) LookupIntent(ctx context.Context, paymentCtx PaymentContext, intentID string) (Intent, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	return provider.LookupIntent(ctx, intentID)
}
