package ratelimit

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns middleware that counts every request against the limiter.
// Quota headers are written before next runs; denied requests get a 429 and
// never reach next.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		d := l.Allow(ctx, l.KeyFor(r))
		annotateSpan(ctx, l.name, d)
		Annotate(w.Header(), d)

		if !d.Allowed() {
			WriteRejection(w, d)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// KeyFor returns the key the limiter counts r against, without the name prefix.
func (l *Limiter) KeyFor(r *http.Request) string {
	if k := l.keyFn(r); k != "" {
		return k
	}
	return UnknownKey
}

// Wrap builds a limiter from cfg and puts it in front of h. Bad configuration
// fails here, at setup, not on the first request.
func Wrap(h http.Handler, cfg Config, opts ...Option) (http.Handler, error) {
	l, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return l.Middleware(h), nil
}

// annotateSpan records the decision on the request span if one is recording
func annotateSpan(ctx context.Context, name string, d Decision) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	outcome := d.Outcome.String()
	if d.Err != nil {
		outcome = StoreUnavailable.String()
	}
	span.SetAttributes(
		attribute.String("ratelimit.limiter", name),
		attribute.String("ratelimit.outcome", outcome),
		attribute.Int64("ratelimit.remaining", max(0, d.Remaining)),
	)
}
