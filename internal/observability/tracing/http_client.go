package tracing

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const clientTracerName = "mintflow/http-client"

type roundTripper struct {
	next http.RoundTripper
}

// WrapHTTPClient adds a client span and trace propagation headers to every
// outbound request. The client is modified in place and returned.
func WrapHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	if _, wrapped := next.(*roundTripper); !wrapped {
		client.Transport = &roundTripper{next: next}
	}
	return client
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := otel.Tracer(clientTracerName).Start(
		req.Context(),
		fmt.Sprintf("HTTP %s %s", req.Method, req.URL.Host),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("net.peer.name", req.URL.Hostname()),
			attribute.String("http.target", req.URL.Path),
		),
	)
	defer span.End()

	req = req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		span.RecordError(SafeError(err))
		span.SetStatus(codes.Error, "transport_error")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}
