package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey  contextKey = "github.com/localhands/marketplace/internal/platform/requestctx/logger"
	traceContextKey   contextKey = "github.com/localhands/marketplace/internal/platform/requestctx/trace"
	orderIDContextKey contextKey = "github.com/localhands/marketplace/internal/platform/requestctx/order"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	if !ok {
		return TraceInfo{}, false
	}
	return info, true
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, ok := Trace(ctx)
	if !ok {
		return ""
	}
	return info.TraceID
}

// WithOrderID tags the context with the order being operated on.
func WithOrderID(ctx context.Context, orderID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if orderID == "" {
		return ctx
	}
	return context.WithValue(ctx, orderIDContextKey, orderID)
}

// OrderID returns the order tagged on ctx, if any.
func OrderID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(orderIDContextKey).(string)
	return id
}

// Tags collects details learned while a handler runs so outer middleware can attach
// them to spans, log lines and metrics once the handler returns. A request is served
// by one goroutine, so the fields are written without locking.
type Tags struct {
	OrderID     string
	OrderStatus string
	ActorID     string
}

const tagsContextKey contextKey = "github.com/localhands/marketplace/internal/platform/requestctx/tags"

// WithTags installs an empty tag set on ctx, reusing one already present.
func WithTags(ctx context.Context) (context.Context, *Tags) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tags := TagsFrom(ctx); tags != nil {
		return ctx, tags
	}
	tags := &Tags{}
	return context.WithValue(ctx, tagsContextKey, tags), tags
}

// TagsFrom returns the request tag set, or nil outside an instrumented request.
func TagsFrom(ctx context.Context) *Tags {
	if ctx == nil {
		return nil
	}
	tags, _ := ctx.Value(tagsContextKey).(*Tags)
	return tags
}

// TagOrder records the order a request acted on and the status it was left in.
func TagOrder(ctx context.Context, orderID, status string) {
	tags := TagsFrom(ctx)
	if tags == nil {
		return
	}
	if orderID != "" {
		tags.OrderID = orderID
	}
	if status != "" {
		tags.OrderStatus = status
	}
}

// TagActor records the authenticated caller.
func TagActor(ctx context.Context, uid string) {
	if tags := TagsFrom(ctx); tags != nil && uid != "" {
		tags.ActorID = uid
	}
}
