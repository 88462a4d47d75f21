package log

import "context"

type ctxKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger carried by ctx, or Nop when there is none.
// Code on the request path uses it so request-scoped fields follow the call.
func FromContext(ctx context.Context) Logger {
	if ctx == nil {
		return Nop()
	}
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
