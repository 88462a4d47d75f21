// Package metrics owns the server's prometheus registry. Labels are limited
// to bounded values: method, route pattern, status, limiter name and outcome.
// Rate limit keys never become labels.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-cms/internal/version"
)

type ServerMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errTotal  *prometheus.CounterVec

	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// rate limiting
	rlDecisions   *prometheus.CounterVec
	rlFirstDenied *prometheus.CounterVec
	rlStoreErrors *prometheus.CounterVec
	rlStoreDur    *prometheus.HistogramVec
	rlCapacity    prometheus.Counter
	rlActiveKeys  prometheus.Gauge

	policyLoadedTs prometheus.Gauge
	policyRoutes   prometheus.Gauge

	upstreamErrors prometheus.Counter
}

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "route"}),
		errTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		rlDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by limiter and outcome after fail mode is applied",
		}, []string{"limiter", "outcome"}),
		rlFirstDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_first_denied_total",
			Help: "Keys that exhausted their quota, counted once per key and window",
		}, []string{"limiter"}),
		rlStoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Counter store failures by limiter",
		}, []string{"limiter"}),
		rlStoreDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimit_store_duration_seconds",
			Help:    "Time spent in the counter store per decision",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}, []string{"limiter"}),
		rlCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_total",
			Help: "Times the in-memory store reached its key cap",
		}),
		rlActiveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_active_keys",
			Help: "Counter records held by the in-memory store after the last sweep",
		}),
		policyLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the route policy table was loaded",
		}),
		policyRoutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_routes",
			Help: "Number of route rules in the loaded policy table",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Proxied requests that failed to reach the upstream",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.rlDecisions,
		m.rlFirstDenied,
		m.rlStoreErrors,
		m.rlStoreDur,
		m.rlCapacity,
		m.rlActiveKeys,
		m.policyLoadedTs,
		m.policyRoutes,
		m.upstreamErrors,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry is exposed for tests and for collectors owned by other packages.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveDecision counts one final decision. outcome is the decision's
// String form: allow, deny or store_unavailable.
func (m *ServerMetrics) ObserveDecision(limiter, outcome string) {
	m.rlDecisions.WithLabelValues(limiter, outcome).Inc()
}

func (m *ServerMetrics) IncFirstDenied(limiter string) {
	m.rlFirstDenied.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncStoreError(limiter string) {
	m.rlStoreErrors.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) ObserveStoreDuration(limiter string, d time.Duration) {
	m.rlStoreDur.WithLabelValues(limiter).Observe(d.Seconds())
}

func (m *ServerMetrics) IncCapacity() { m.rlCapacity.Inc() }

func (m *ServerMetrics) SetActiveKeys(n int) { m.rlActiveKeys.Set(float64(n)) }

func (m *ServerMetrics) SetPolicyLoaded(t time.Time, routes int) {
	m.policyLoadedTs.Set(float64(t.Unix()))
	m.policyRoutes.Set(float64(routes))
}

func (m *ServerMetrics) IncUpstreamError() { m.upstreamErrors.Inc() }
