package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of every span this gateway starts.
const TracerName = "blob-encryption-gateway"

// TracingMiddleware wraps handlers with an OpenTelemetry server span. Incoming
// trace context is extracted with the global propagator.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			container, blob := splitBlobPath(r.URL.Path)

			ctx, span := tracer.Start(ctx, getSpanName(r.Method, container, blob),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					attribute.String("http.target", r.URL.Path),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if container != "" {
				span.SetAttributes(attribute.String("blob.container", container))
			}
			if blob != "" && !redactSensitive {
				span.SetAttributes(attribute.String("blob.name", blob))
			}
			if rng := requestRange(r.Header); rng != "" {
				span.SetAttributes(attribute.String("blob.range", rng))
			}
			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			defer func() {
				if rw.statusCode == 0 {
					rw.statusCode = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 500 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// getSpanName names spans after the blob operation the request maps to.
func getSpanName(method, container, blob string) string {
	if container == "" {
		return "HTTP " + method
	}
	if blob == "" {
		switch method {
		case http.MethodGet:
			return "Blob ListBlobs"
		default:
			return "HTTP " + method
		}
	}
	switch method {
	case http.MethodGet:
		return "Blob Download"
	case http.MethodHead:
		return "Blob GetProperties"
	case http.MethodPut:
		return "Blob Upload"
	case http.MethodDelete:
		return "Blob Delete"
	default:
		return "HTTP " + method
	}
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For hop.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

var (
	safeSpanHeaders = []string{
		"content-type",
		"content-length",
		"content-md5",
		"if-match",
		"if-none-match",
		"if-modified-since",
		"if-unmodified-since",
		"range",
		"x-ms-range",
		"x-ms-version",
		"x-ms-blob-type",
		"x-ms-client-request-id",
	}

	sensitiveSpanHeaders = []string{
		"authorization",
		"cookie",
		"x-ms-copy-source-authorization",
		"x-ms-encryption-key",
		"x-amz-security-token",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeSpanHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveSpanHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *tracingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
