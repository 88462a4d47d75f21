package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
)

// KeyFunc derives a limiter key from a request. An empty result is treated as UnknownKey.
type KeyFunc func(*http.Request) string

// ClientIPKey keys on the client IP resolved by httpmw.ClientIPWithOptions, which
// only honors X-Forwarded-For from trusted proxies. Without that middleware it
// falls back to the connection's address, then to UnknownKey.
func ClientIPKey(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if r.RemoteAddr == "" {
		return UnknownKey
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// HeaderKey keys on an identifier set by an upstream layer, e.g. X-User-Id from
// the session middleware. Requests without the header use fallback, or
// ClientIPKey when fallback is nil.
func HeaderKey(name string, fallback KeyFunc) KeyFunc {
	if fallback == nil {
		fallback = ClientIPKey
	}
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
		return fallback(r)
	}
}

// RouteKey prefixes fn's key with route, giving "<route>:<key>".
func RouteKey(route string, fn KeyFunc) KeyFunc {
	if fn == nil {
		fn = ClientIPKey
	}
	return func(r *http.Request) string {
		k := fn(r)
		if k == "" {
			k = UnknownKey
		}
		return route + ":" + k
	}
}

// StaticKey puts every request in one bucket, for global limits.
func StaticKey(key string) KeyFunc {
	return func(*http.Request) string { return key }
}
