package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/mintflow/internal/observability/context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), "req-7"))
		c.Next()
	})
	r.Use(ginMiddleware(provider.Tracer("test")))
	return r, recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestGinMiddlewareTagsWebhookSpan(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/webhooks/payments", func(c *gin.Context) {
		c.Set(IntentIDKey, "1001")
		c.Set(PaymentIDKey, "req-1-tx-1")
		c.Set(WebhookOutcomeKey, "fulfilled")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/payments", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Name() != "HTTP POST /webhooks/payments" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	attrs := spanAttrs(spans[0])
	want := map[attribute.Key]string{
		"mintflow.intent_id":       "1001",
		"mintflow.payment_id":      "req-1-tx-1",
		"mintflow.webhook.outcome": "fulfilled",
		"request_id":               "req-7",
		"http.route":               "/webhooks/payments",
		"http.status_code":         "200",
	}
	for key, value := range want {
		if attrs[key] != value {
			t.Fatalf("attribute %s: expected %q, got %q (all %v)", key, value, attrs[key], attrs)
		}
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatalf("successful request must not mark the span as error")
	}
}

func TestGinMiddlewareFallsBackToContextIntent(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/admin/mint-intents/:id/fulfill", func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithIntentID(c.Request.Context(), "77"))
		_ = c.Error(errors.New("minting provider unavailable"))
		c.Status(http.StatusBadGateway)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/mint-intents/77/fulfill", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	attrs := spanAttrs(spans[0])
	if attrs["mintflow.intent_id"] != "77" {
		t.Fatalf("expected intent id from context, got %v", attrs)
	}
	if _, ok := attrs["mintflow.payment_id"]; ok {
		t.Fatalf("payment id must be absent when unset: %v", attrs)
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("5xx must mark the span as error")
	}
	if len(spans[0].Events()) == 0 {
		t.Fatalf("expected the handler error to be recorded")
	}
}
