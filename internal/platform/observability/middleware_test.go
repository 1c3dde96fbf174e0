package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/localhands/marketplace/internal/platform/requestctx"
)

var (
	spanRecorderOnce sync.Once
	spanRecorder     *tracetest.SpanRecorder
)

// recordedSpans installs a recording tracer provider once per test binary.
func recordedSpans() *tracetest.SpanRecorder {
	spanRecorderOnce.Do(func() {
		spanRecorder = tracetest.NewSpanRecorder()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder)))
	})
	return spanRecorder
}

func newInstrumentedRouter(logger *zap.Logger, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(
		InjectLoggerMiddleware(logger),
		TraceMiddleware("localhands-test"),
		RecoveryMiddleware(logger),
		RequestLoggerMiddleware(nil),
	)
	r.Post("/orders/{orderID}:accept", h)
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	return r
}

func TestRequestMiddlewareTagsOrderOnSpanAndLog(t *testing.T) {
	recorder := recordedSpans()
	core, logs := observer.New(zapcore.InfoLevel)
	router := newInstrumentedRouter(zap.New(core), func(w http.ResponseWriter, r *http.Request) {
		requestctx.TagActor(r.Context(), "prov-7")
		requestctx.TagOrder(r.Context(), chi.URLParam(r, "orderID"), "ACCEPTED")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_42:accept", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get(cloudTraceHeader); len(got) < 33 || got[:32] != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected response trace header to keep the trace id, got %q", got)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion line, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["order_id"] != "ord_42" || fields["order_status"] != "ACCEPTED" || fields["user_id"] != "prov-7" {
		t.Fatalf("unexpected completion fields: %v", fields)
	}
	if fields["route"] != "/orders/{orderID}:accept" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if fields["logging.googleapis.com/trace"] != "projects/localhands-test/traces/105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace resource %v", fields["logging.googleapis.com/trace"])
	}

	var found bool
	for _, span := range recorder.Ended() {
		if span.SpanContext().TraceID().String() != "105445aa7843bc8bf206b12000100000" {
			continue
		}
		found = true
		if span.Name() != "POST /orders/{orderID}:accept" {
			t.Fatalf("unexpected span name %q", span.Name())
		}
		attrs := make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		if attrs[attrOrderID].AsString() != "ord_42" || attrs[attrOrderStatus].AsString() != "ACCEPTED" || attrs[attrActorID].AsString() != "prov-7" {
			t.Fatalf("unexpected span attributes: %v", span.Attributes())
		}
		if span.Parent().SpanID().String() != "0000000000000001" {
			t.Fatalf("expected cloud trace parent span, got %s", span.Parent().SpanID())
		}
	}
	if !found {
		t.Fatalf("expected a span for the propagated trace")
	}
}

func TestRequestMiddlewareReportsPanicsAsServerErrors(t *testing.T) {
	recordedSpans()
	core, logs := observer.New(zapcore.InfoLevel)
	router := newInstrumentedRouter(zap.New(core), nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected recovered panic to be logged")
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error-level completion line, got %v", completed)
	}
	if completed[0].ContextMap()["status"] != int64(http.StatusInternalServerError) {
		t.Fatalf("unexpected status field %v", completed[0].ContextMap()["status"])
	}
}

func TestCloudTraceHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		header  string
		ok      bool
		sampled bool
	}{
		{"105445aa7843bc8bf206b12000100000/1;o=1", true, true},
		{"105445aa7843bc8bf206b12000100000/18446744073709551615", true, false},
		{"105445aa7843bc8bf206b12000100000/0;o=1", false, false},
		{"105445aa7843bc8bf206b12000100000/abc;o=1", false, false},
		{"not-a-trace/1", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		sc, ok := parseCloudTrace(tc.header)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%v", tc.header, tc.ok)
		}
		if !ok {
			continue
		}
		if sc.IsSampled() != tc.sampled {
			t.Fatalf("%q: expected sampled=%v", tc.header, tc.sampled)
		}
		want := tc.header
		if !tc.sampled {
			want += ";o=0"
		}
		if got := cloudTraceValue(sc); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestOrderStatusLabelBoundsCardinality(t *testing.T) {
	for in, want := range map[string]string{
		"PENDING_PAYMENT": "PENDING_PAYMENT",
		"":                "none",
		"ord_42":          "none",
		"pending":         "none",
	} {
		if got := orderStatusLabel(in); got != want {
			t.Fatalf("orderStatusLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
