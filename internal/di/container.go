package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/localhands/marketplace/internal/payments"
	"github.com/localhands/marketplace/internal/platform/config"
	"github.com/localhands/marketplace/internal/repositories"
	"github.com/localhands/marketplace/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders services.OrderService
	Cart   services.CartService
	System services.SystemService
}

// Infrastructure carries the external collaborators built by the entrypoint. Payments is
// required; the rest are optional and disable their feature when nil.
type Infrastructure struct {
	Payments *payments.Manager
	Breaker  *payments.BreakerProvider
	Events   services.OrderEventPublisher
	Images   services.SnapshotImageArchiver
	Build    services.BuildInfo
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Scheduler    *services.CompletionScheduler
}

// NewContainer constructs the runtime dependencies. Production wiring provides the Firestore
// registry, while local runs and tests can supply the in-memory one.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Payments == nil {
		return nil, errors.New("payment manager is required")
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	pricing, err := NewPricingEngine(cfg.Pricing)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Repositories: reg}
	if err := c.buildServices(ctx, pricing, infra); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops the completion timers and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// NewPricingEngine parses the configured percentage strings into the engine's decimal rates.
func NewPricingEngine(cfg config.PricingConfig) (*services.PricingEngine, error) {
	parse := func(name, raw string) (decimal.Decimal, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return decimal.Zero, nil
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("pricing: parse %s %q: %w", name, raw, err)
		}
		return value, nil
	}
	platformFee, err := parse("platform fee", cfg.PlatformFeePct)
	if err != nil {
		return nil, err
	}
	tax, err := parse("tax", cfg.TaxPct)
	if err != nil {
		return nil, err
	}
	serviceFee, err := parse("service fee", cfg.ServiceFeePct)
	if err != nil {
		return nil, err
	}
	return services.NewPricingEngine(services.PricingEngineDeps{
		Rates: services.PricingRates{
			PlatformFeePct: platformFee,
			ServiceFeePct:  serviceFee,
			TaxPct:         tax,
		},
	})
}

func (c *Container) buildServices(_ context.Context, pricing *services.PricingEngine, infra Infrastructure) error {
	reg := c.Repositories
	cfg := c.Config

	var orders services.OrderService
	scheduler, err := services.NewCompletionScheduler(services.CompletionSchedulerDeps{
		Complete: func(ctx context.Context, orderID string) error {
			if orders == nil {
				return errors.New("order service not initialised")
			}
			_, err := orders.AutoComplete(ctx, orderID)
			return err
		},
		Clock:  infra.Clock,
		Logger: infra.Logger,
	})
	if err != nil {
		return fmt.Errorf("build completion scheduler: %w", err)
	}
	c.Scheduler = scheduler

	orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:            reg.Orders(),
		Listings:          reg.Listings(),
		Pricing:           pricing,
		Payments:          infra.Payments,
		Scheduler:         scheduler,
		Images:            infra.Images,
		Events:            infra.Events,
		UnitOfWork:        reg,
		AutoCompleteAfter: cfg.Orders.AutoCompleteAfter,
		Clock:             infra.Clock,
		Logger:            infra.Logger,
	})
	if err != nil {
		scheduler.Stop()
		return fmt.Errorf("build order service: %w", err)
	}
	c.Services.Orders = orders

	cart, err := services.NewCartService(services.CartServiceDeps{
		Repository:      reg.Carts(),
		Listings:        reg.Listings(),
		Pricing:         pricing,
		Clock:           infra.Clock,
		DefaultCurrency: cfg.Pricing.DefaultCurrency,
		Logger:          infra.Logger,
	})
	if err != nil {
		scheduler.Stop()
		return fmt.Errorf("build cart service: %w", err)
	}
	c.Services.Cart = cart

	systemDeps := services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Scheduler:        scheduler,
		Clock:            infra.Clock,
		Build:            infra.Build,
	}
	if infra.Breaker != nil {
		systemDeps.PaymentBreaker = infra.Breaker
	}
	system, err := services.NewSystemService(systemDeps)
	if err != nil {
		scheduler.Stop()
		return fmt.Errorf("build system service: %w", err)
	}
	c.Services.System = system

	return nil
}
