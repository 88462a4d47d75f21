// Package httpserver builds the public listener: the global limiter, the
// request middleware stack, the server's own API routes and the proxy to the
// CMS backend behind the per-route limiters.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

const DefaultPort = 8080

// NewHandler builds an HTTP handler with routes + middleware
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()

	// Compress JSON and text responses, the backend's included
	r.Use(middleware.Compress(5,
		"application/json",
		"application/problem+json",
		"text/plain",
		"text/html",
	))

	// Rename the span and tag the logger with the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog("/-/healthy", "/-/ready"))

	// Own endpoints: probes and API
	r.Group(func(r chi.Router) {
		r.Use(httpmw.APIHeaders)
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
		if opts.APIRoutes != nil {
			opts.APIRoutes(r)
		}
	})

	// Everything else goes to the CMS, behind the route limiters
	if opts.Upstream != nil {
		var mws []func(http.Handler) http.Handler
		if opts.RouteLimitMW != nil {
			mws = append(mws, opts.RouteLimitMW)
		}
		mws = append(mws, httpmw.MaxBody(opts.MaxBodyBytes))
		r.With(mws...).Handle("/*", opts.Upstream)
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		// log panics and serve a 500
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	// outermost first, nil entries are skipped
	return httpmw.Chain(r,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		// before the global limiter so it keys on the resolved address
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		// span and trace headers outside the global limiter so a 429 is traced
		// and carries its decision attributes
		otelx.ServerHandler,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.RateLimitMW,
		opts.MetricsMW,
		// request-scoped logging, inner so it sees trace_id
		httpmw.WithLogger(opts.Logger),
	)
}

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
