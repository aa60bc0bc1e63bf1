package haywire

import (
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/advdv/haywire"

// HeaderCarrier adapts the headers of a [Request] to a [propagation.TextMapCarrier].
type HeaderCarrier struct{ *Request }

func (c HeaderCarrier) Get(key string) string { return c.Header(key) }

func (c HeaderCarrier) Set(key, value string) { c.header[strings.ToLower(key)] = value }

func (c HeaderCarrier) Keys() []string { return c.HeaderNames() }

var _ propagation.TextMapCarrier = HeaderCarrier{}

// Tracing starts a server span for every request. The parent is extracted from the request headers with prop,
// and the span ends when the response finished, carrying the response status if the handler wrote a status line.
// The span context is available to handlers through [WriteContext.Context].
func Tracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) Middleware {
	tracer := tp.Tracer(tracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(w *WriteContext, r *Request, data any) {
			ctx := prop.Extract(w.Context(), HeaderCarrier{r})
			ctx, span := tracer.Start(ctx, r.Method()+" "+r.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method()),
					semconv.URLPath(r.Path()),
					semconv.NetworkProtocolVersion(r.Proto()[len("HTTP/"):]),
				))

			w.SetContext(ctx)
			w.AfterFinish(func(err error) {
				if status := w.Status(); status > 0 {
					span.SetAttributes(semconv.HTTPResponseStatusCode(status))
					if status >= 500 {
						span.SetStatus(codes.Error, "")
					}
				}

				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}

				span.End()
			})

			next.ServeHaywire(w, r, data)
		})
	}
}
