package httpmw

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

// statusRecorder captures what the handler sent for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithLogger puts a request-scoped logger derived from base into the context.
// The client address comes from ClientIPWithOptions, never from raw headers.
func WithLogger(base log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one line per request with the logger from the context.
// Probe endpoints are skipped. Rate limited responses carry the limiter's
// remaining quota so a burst of 429s can be traced to one client.
func AccessLog(skipPaths ...string) Middleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rw, r)

			if _, ok := skip[r.URL.Path]; ok {
				return
			}
			status := rw.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.route", RoutePattern(r),
			}
			if rem := w.Header().Get("X-RateLimit-Remaining"); rem != "" {
				fields = append(fields, "ratelimit.remaining", rem)
			}

			L := log.FromContext(r.Context())
			if status == http.StatusTooManyRequests {
				L.Info(r.Context(), "http request rate limited", fields...)
				return
			}
			L.Info(r.Context(), "http request", fields...)
		})
	}
}

// Scope tags the request logger and span with a handler name.
func Scope(handler string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func schemeFromRequest(r *http.Request) string {
	// ClientIPWithOptions has already removed this header unless the peer is a trusted proxy
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		s := strings.ToLower(strings.TrimSpace(strings.Split(xf, ",")[0]))
		if s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
