package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// Probe returns nil when healthy and the reason otherwise.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every probe passes and returns the first failure.
// nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes if one probe passes, otherwise returns the last failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				last = err
				continue
			}
			return nil
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// Named prefixes a failure with name so a failing /-/ready says which
// dependency is down.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		return xerrors.Wrap(p.Check(ctx), name)
	}
}

// Timeout bounds p to d. Probe handlers run on the request path of the
// load balancer's health check, which has its own short deadline.
func Timeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Check(ctx)
	}
}

// ShutdownGate fails readiness once Set is called.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
