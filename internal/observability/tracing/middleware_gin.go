package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/mintflow/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Gin keys handlers set once a request resolves to a mint intent or payment.
// The logging middleware reads the same keys.
const (
	IntentIDKey       = "intent_id"
	PaymentIDKey      = "payment_id"
	WebhookOutcomeKey = "webhook_outcome"
)

// GinMiddleware opens a server span per request and, after the handler ran,
// tags it with the intent, payment and webhook outcome the handler resolved.
func GinMiddleware() gin.HandlerFunc {
	return ginMiddleware(otel.Tracer("mintflow/http"))
}

func ginMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		}
		intentID := strings.TrimSpace(c.GetString(IntentIDKey))
		if intentID == "" {
			intentID = obscontext.IntentIDFromContext(c.Request.Context())
		}
		if intentID != "" {
			attrs = append(attrs, attribute.String("mintflow.intent_id", intentID))
		}
		if paymentID := strings.TrimSpace(c.GetString(PaymentIDKey)); paymentID != "" {
			attrs = append(attrs, attribute.String("mintflow.payment_id", paymentID))
		}
		if outcome := strings.TrimSpace(c.GetString(WebhookOutcomeKey)); outcome != "" {
			attrs = append(attrs, attribute.String("mintflow.webhook.outcome", outcome))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
