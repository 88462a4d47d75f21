package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-cms/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-cms/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-cms/internal/policy"
	"github.com/keithlinneman/linnemanlabs-cms/internal/prof"
	"github.com/keithlinneman/linnemanlabs-cms/internal/quotahttp"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-cms/internal/upstream"
	v "github.com/keithlinneman/linnemanlabs-cms/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix LMCMS_
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:           v.AppName,
		Version:       vi.Version,
		Level:         lvl,
		StackLevel:    stackLvl,
		JSON:          conf.LogJSON,
		ErrorLinks:    conf.IncludeErrorLinks,
		MaxErrorLinks: conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog, kept so a buffered backend gets flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"ratelimit_store", conf.RateLimitStore,
		"global_limit", conf.GlobalLimit,
		"global_window", conf.GlobalWindow,
		"fail_mode", conf.FailMode,
		"policy_source", conf.PolicySource,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"store":     conf.RateLimitStore,
		},
		MutexProfileFraction: 5,
		BlockProfileRate:     int(time.Millisecond),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			L.Error(sctx, err, "otel shutdown")
		}
	}()

	failMode, _ := ratelimit.ParseFailMode(conf.FailMode)

	// counter store shared by the global and route limiters
	store, storeProbe, closeStore, err := newStore(ctx, conf, m, L)
	if err != nil {
		L.Error(ctx, err, "failed to create rate limit store", "store", conf.RateLimitStore)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			L.Error(context.Background(), err, "rate limit store close")
		}
	}()
	timed := m.InstrumentStore(store)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(L),
		ratelimit.WithOnDecision(func(name string, d ratelimit.Decision) {
			m.ObserveLimiter(name, d)
			// only log the first denial per key per window
			if d.Outcome == ratelimit.Deny && d.First {
				L.Warn(ctx, "rate limit triggered",
					"limiter", name,
					"key", d.Key,
					"limit", d.Limit,
					"reset_at", d.ResetAt,
				)
			}
		}),
	}

	// global per-client limit in front of everything
	var global *ratelimit.Limiter
	if conf.GlobalLimit > 0 {
		global, err = ratelimit.New(ratelimit.Config{
			Name:         policy.GlobalLimiterName,
			Limit:        conf.GlobalLimit,
			Window:       conf.GlobalWindow,
			KeyFunc:      ratelimit.ClientIPKey,
			OnStoreError: failMode,
			Store:        timed,
		}, limiterOpts...)
		if err != nil {
			L.Error(ctx, err, "invalid global rate limit")
			os.Exit(1)
		}
	}

	// per-route limits from the policy table
	loader := &policy.Loader{Logger: L}
	if policy.NeedsAWS(conf.PolicySource) {
		loader, err = policy.NewAWSLoader(ctx, nil, L)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
	}
	table, err := loader.Load(ctx, conf.PolicySource)
	if err != nil {
		L.Error(ctx, err, "failed to load rate limit policy table", "source", conf.PolicySource)
		os.Exit(1)
	}
	routes, err := policy.Build(table, timed, failMode, limiterOpts...)
	if err != nil {
		L.Error(ctx, err, "invalid rate limit policy table", "source", conf.PolicySource)
		os.Exit(1)
	}
	m.SetPolicyLoaded(time.Now(), routes.Len())

	proxy, err := upstream.New(upstream.Options{
		Target:  conf.UpstreamURL,
		OnError: m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	var quotaLimiter quotahttp.Limiter
	var rateLimitMW func(http.Handler) http.Handler
	if global != nil {
		quotaLimiter = global
		rateLimitMW = global.Middleware
	}
	quotaAPI := quotahttp.NewAPI(quotaLimiter, table, L)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness: not draining, and the shared store answers when there is one
	readiness := health.All(gate.Probe(), storeProbe)

	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		RateLimitMW:  rateLimitMW,
		APIRoutes:    quotaAPI.RegisterRoutes,
		Upstream:     proxy,
		RouteLimitMW: routes.Middleware,
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin/ops listener for metrics, health checks and pprof
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, opshttp.Options{
		Port:         conf.AdminPort,
		Logger:       L,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", conf.DrainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 15*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	// store, tracing and profiling are closed by the deferred calls above
	L.Info(bg, "listeners stopped")
}
