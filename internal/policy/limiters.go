package policy

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
)

type routeLimiter struct {
	route   Route
	limiter *ratelimit.Limiter
}

// Set is the table's limiters, applied in table order.
type Set struct {
	routes []routeLimiter
}

// Build creates one limiter per route, all sharing store and failMode.
// opts are applied to every limiter.
func Build(t *Table, store ratelimit.Store, failMode ratelimit.FailMode, opts ...ratelimit.Option) (*Set, error) {
	s := &Set{}
	if t == nil {
		return s, nil
	}
	for _, r := range t.Routes {
		kf, err := KeyFunc(r.Key)
		if err != nil {
			return nil, err
		}
		l, err := ratelimit.New(ratelimit.Config{
			Name:         r.Name,
			Limit:        r.Limit,
			Window:       r.Window,
			KeyFunc:      kf,
			OnStoreError: failMode,
			Store:        store,
		}, opts...)
		if err != nil {
			return nil, err
		}
		s.routes = append(s.routes, routeLimiter{route: r, limiter: l})
	}
	return s, nil
}

// Len returns the number of route limiters.
func (s *Set) Len() int { return len(s.routes) }

// Limiters returns the limiters in table order.
func (s *Set) Limiters() []*ratelimit.Limiter {
	out := make([]*ratelimit.Limiter, 0, len(s.routes))
	for _, rl := range s.routes {
		out = append(out, rl.limiter)
	}
	return out
}

// Middleware runs every matching route limiter in table order. The first
// denial short-circuits; later limiters are not counted.
func (s *Set) Middleware(next http.Handler) http.Handler {
	if len(s.routes) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := next
		for i := len(s.routes) - 1; i >= 0; i-- {
			if s.routes[i].route.matches(r) {
				h = s.routes[i].limiter.Middleware(h)
			}
		}
		h.ServeHTTP(w, r)
	})
}
