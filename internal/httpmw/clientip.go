package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls which forwarding headers are believed.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For, 1 takes its rightmost entry (a single load
	// balancer), 2 the one before that (CDN then load balancer) and so on.
	TrustedHops int
}

// ClientIPWithOptions resolves the caller's address once and stores it in the
// request context, where rate limit keys and logs read it.
func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP returns "" when nothing usable identifies the peer, so
// callers can apply their own fallback.
//
// Forwarding headers are only read from private peers with TrustedHops > 0.
// In every other case they are deleted so nothing downstream reads them.
func resolveClientIP(r *http.Request, trustedHops int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		stripForwarded(r)
		return ""
	}
	addr := peer.String()

	if (!peer.IsPrivate() && !peer.IsLoopback()) || trustedHops <= 0 {
		stripForwarded(r)
		return addr
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return addr
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than configured proxies: misconfigured or forged
		stripForwarded(r)
		return addr
	}
	if ip := net.ParseIP(strings.TrimSpace(parts[idx])); ip != nil {
		return ip.String()
	}
	return addr
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIPWithOptions, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// WithClientIP stores ip in ctx. An empty ip leaves ctx unchanged.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
