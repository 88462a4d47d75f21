package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions

	// RateLimitMW is the global limiter. It runs right after client IP
	// resolution, so denied requests never reach tracing or the router.
	RateLimitMW func(http.Handler) http.Handler

	// APIRoutes registers the server's own endpoints, e.g. quota status.
	APIRoutes func(r chi.Router)

	// Upstream serves every path not matched by APIRoutes or the probes.
	// RouteLimitMW and MaxBodyBytes apply to it only.
	Upstream     http.Handler
	RouteLimitMW func(http.Handler) http.Handler
	MaxBodyBytes int64
}
