package hwapp

import (
	"net/http"

	"github.com/carlmjohnson/requests"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NewHTTPTransport creates an HTTP RoundTripper instrumented with OpenTelemetry tracing.
// Use this when you need a custom *http.Client but still want outbound request tracing.
func NewHTTPTransport(tp trace.TracerProvider, prop propagation.TextMapPropagator) http.RoundTripper {
	return otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithPropagators(prop),
	)
}

// NewHTTPClient creates an *http.Client that uses the instrumented transport.
func NewHTTPClient(t http.RoundTripper) *http.Client {
	return &http.Client{Transport: t}
}

// RequestBuilder returns a fresh [requests.Builder] with the instrumented transport for
// every call. Handlers that call other services from a goroutine take it as a dependency.
type RequestBuilder func() *requests.Builder

// NewRequestBuilder creates a RequestBuilder on top of t.
func NewRequestBuilder(t http.RoundTripper) RequestBuilder {
	return func() *requests.Builder {
		return requests.New().Transport(t)
	}
}
