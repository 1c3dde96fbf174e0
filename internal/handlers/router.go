package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/localhands/marketplace/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// RouteRegistrar registers one API surface on its sub-router.
type RouteRegistrar func(r chi.Router)

// surface is one mount under /api/v1. A surface without routes answers 503 so callers
// such as the payment gateway retry instead of dropping the request.
type surface struct {
	path        string
	code        string
	routes      RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	surfaces    []*surface
}

// Option customises the router before construction.
type Option func(*routerConfig)

func defaultRouterConfig() routerConfig {
	return routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
		surfaces: []*surface{
			{path: "/orders", code: "order_service_unavailable"},
			{path: "/cart", code: "cart_service_unavailable"},
			{path: "/webhooks", code: "payment_webhooks_unavailable"},
			{path: "/internal", code: "internal_api_unavailable"},
		},
	}
}

// NewRouter builds the API: health checks at the root, the order, cart, payment webhook
// and internal surfaces under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := defaultRouterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, s := range cfg.surfaces {
			api.Route(s.path, s.mount)
		}
	})
	return r
}

func (s *surface) mount(r chi.Router) {
	for _, mw := range s.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	if s.routes != nil {
		s.routes(r)
		return
	}
	unavailable := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(s.code, "this API surface is not configured", http.StatusServiceUnavailable))
	}
	r.HandleFunc("/*", unavailable)
	r.HandleFunc("/", unavailable)
}

func (c *routerConfig) surface(path string) *surface {
	for _, s := range c.surfaces {
		if s.path == path {
			return s
		}
	}
	return nil
}

func withSurfaceRoutes(path string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.surface(path).routes = reg
	}
}

// WithMiddlewares appends router-wide middleware after the defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts the order lifecycle API at /api/v1/orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withSurfaceRoutes("/orders", reg) }

// WithCartRoutes mounts the cart API at /api/v1/cart.
func WithCartRoutes(reg RouteRegistrar) Option { return withSurfaceRoutes("/cart", reg) }

// WithWebhookRoutes mounts the payment gateway callbacks at /api/v1/webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withSurfaceRoutes("/webhooks", reg) }

// WithInternalRoutes mounts the scheduler-facing API at /api/v1/internal.
func WithInternalRoutes(reg RouteRegistrar) Option { return withSurfaceRoutes("/internal", reg) }

// WithInternalMiddlewares guards /api/v1/internal, typically with OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		s := cfg.surface("/internal")
		s.middlewares = append(s.middlewares, mw...)
	}
}
