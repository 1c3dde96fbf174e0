package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings tunes the circuit breaker placed in front of a provider.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// BreakerProvider trips after repeated provider outages so order operations fail fast
// with ErrProviderUnavailable instead of waiting on a degraded gateway.
type BreakerProvider struct {
	next     Provider
	intents  *gobreaker.CircuitBreaker[Intent]
	refunds  *gobreaker.CircuitBreaker[Refund]
	settings BreakerSettings
}

// NewBreakerProvider wraps next. Only ErrProviderUnavailable failures count towards tripping;
// rejected requests such as card declines never open the circuit.
func NewBreakerProvider(next Provider, settings BreakerSettings) (*BreakerProvider, error) {
	if next == nil {
		return nil, errors.New("payments: breaker requires a provider")
	}
	if settings.Name == "" {
		settings.Name = "payments"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}
	return &BreakerProvider{
		next:     next,
		intents:  gobreaker.NewCircuitBreaker[Intent](breakerSettings(settings, "intents")),
		refunds:  gobreaker.NewCircuitBreaker[Refund](breakerSettings(settings, "refunds")),
		settings: settings,
	}, nil
}

func breakerSettings(s BreakerSettings, suffix string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        s.Name + "." + suffix,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrProviderUnavailable)
		},
	}
}

// State reports the intent breaker state for health checks.
func (b *BreakerProvider) State() string {
	return b.intents.State().String()
}

func (b *BreakerProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	intent, err := b.intents.Execute(func() (Intent, error) {
		return b.next.CreateIntent(ctx, req)
	})
	return intent, translateBreakerError(err)
}

func (b *BreakerProvider) CancelIntent(ctx context.Context, req CancelRequest) (Intent, error) {
	intent, err := b.intents.Execute(func() (Intent, error) {
		return b.next.CancelIntent(ctx, req)
	})
	return intent, translateBreakerError(err)
}

func (b *BreakerProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	refund, err := b.refunds.Execute(func() (Refund, error) {
		return b.next.Refund(ctx, req)
	})
	return refund, translateBreakerError(err)
}

func (b *BreakerProvider) LookupIntent(ctx context.Context, intentID string) (Intent, error) {
	intent, err := b.intents.Execute(func() (Intent, error) {
		return b.next.LookupIntent(ctx, intentID)
	})
	return intent, translateBreakerError(err)
}

func translateBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return err
}

var _ Provider = (*BreakerProvider)(nil)
