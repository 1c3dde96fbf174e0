package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/localhands/marketplace/internal/platform/requestctx"
)

// Cloud Run forwards "TRACE_ID/SPAN_ID;o=OPTIONS" where TRACE_ID is 32 hex digits and
// SPAN_ID is an unsigned decimal.
const cloudTraceHeader = "X-Cloud-Trace-Context"

// Span attribute keys for the order a request touched.
const (
	attrOrderID     = attribute.Key("order.id")
	attrOrderStatus = attribute.Key("order.status")
	attrActorID     = attribute.Key("enduser.id")
)

var tracer = otel.Tracer("github.com/localhands/marketplace/internal/platform/observability")

// TraceMiddleware opens one server span per request. A W3C traceparent header wins over
// the Cloud Run header when both are sent. Once the handler returns the span is renamed
// after the matched route and carries the order, its resulting status and the caller.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	projectID = strings.TrimSpace(projectID)
	var w3c propagation.TraceContext
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.NotFoundHandler()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := w3c.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if !trace.SpanContextFromContext(ctx).IsValid() {
				if parent, ok := parseCloudTrace(r.Header.Get(cloudTraceHeader)); ok {
					ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
				}
			}
			ctx, tags := requestctx.WithTags(ctx)

			ctx, span := tracer.Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(SanitizeMethod(r.Method)),
					semconv.URLPath(SanitizeRoute(r.URL.Path)),
					semconv.UserAgentOriginal(sanitizeString(r.UserAgent(), 0)),
				))
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			if value := cloudTraceValue(sc); value != "" {
				w.Header().Set(cloudTraceHeader, value)
			}

			recorder := newResponseRecorder(w)
			r = r.WithContext(requestctx.WithTrace(ctx, info))
			defer func() {
				if rec := recover(); rec != nil {
					finishSpan(span, r, tags, http.StatusInternalServerError)
					panic(rec)
				}
				finishSpan(span, r, tags, recorder.Status())
			}()
			next.ServeHTTP(recorder, r)
		})
	}
}

func finishSpan(span trace.Span, r *http.Request, tags *requestctx.Tags, status int) {
	route := SanitizeRoute(routePattern(r))
	span.SetName(r.Method + " " + route)
	attrs := []attribute.KeyValue{
		semconv.HTTPRoute(route),
		semconv.HTTPResponseStatusCode(status),
	}
	attrs = append(attrs, orderAttributes(tags)...)
	span.SetAttributes(attrs...)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func orderAttributes(tags *requestctx.Tags) []attribute.KeyValue {
	if tags == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	if tags.OrderID != "" {
		attrs = append(attrs, attrOrderID.String(SanitizeOrderID(tags.OrderID)))
	}
	if tags.OrderStatus != "" {
		attrs = append(attrs, attrOrderStatus.String(tags.OrderStatus))
	}
	if tags.ActorID != "" {
		attrs = append(attrs, attrActorID.String(SanitizeUserID(tags.ActorID)))
	}
	return attrs
}

// parseCloudTrace reads the Cloud Run trace header. Options are optional and only the
// sampled bit is honoured.
func parseCloudTrace(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	ids, options, _ := strings.Cut(header, ";")
	rawTrace, rawSpan, ok := strings.Cut(ids, "/")
	if !ok {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.ToLower(rawTrace))
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanNum, err := strconv.ParseUint(rawSpan, 10, 64)
	if err != nil || spanNum == 0 {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(fmt.Sprintf("%016x", spanNum))
	if err != nil {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func cloudTraceValue(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	spanID := sc.SpanID()
	spanNum, _ := strconv.ParseUint(spanID.String(), 16, 64)
	sampled := 0
	if sc.IsSampled() {
		sampled = 1
	}
	return fmt.Sprintf("%s/%d;o=%d", sc.TraceID().String(), spanNum, sampled)
}
