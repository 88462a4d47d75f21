// Package cfg binds the server's flags. Every flag can also come from the
// environment: flag "foo-bar" reads PREFIX_FOO_BAR, and a flag given on the
// command line wins over the environment.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
)

// EnvPrefix is the environment prefix main passes to FillFromEnv.
const EnvPrefix = "LMCMS_"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	DrainPeriod time.Duration

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	UpstreamURL  string
	MaxBodyBytes int64
	TrustedHops  int

	RateLimitStore string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	GlobalLimit    int64
	GlobalWindow   time.Duration
	FailMode       string
	MaxKeys        int
	SweepInterval  time.Duration
	PolicySource   string
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "lowest level that carries a stack: debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 30*time.Second, "time between failing readiness and closing listeners on shutdown")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "CMS backend that allowed requests are forwarded to")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "max request body forwarded upstream, 0 disables")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted")

	fs.StringVar(&c.RateLimitStore, "ratelimit-store", StoreMemory, "counter store: memory|redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port, required for -ratelimit-store=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.Int64Var(&c.GlobalLimit, "global-limit", 120, "requests per client IP per global window, 0 disables the global limiter")
	fs.DurationVar(&c.GlobalWindow, "global-window", time.Minute, "global limiter window length")
	fs.StringVar(&c.FailMode, "fail-mode", "fail-open", "behavior when the counter store fails: fail-open|fail-closed")
	fs.IntVar(&c.MaxKeys, "max-keys", 100000, "memory store key cap, 0 disables the cap")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "memory store expiry sweep interval, 0 disables the janitor")
	fs.StringVar(&c.PolicySource, "policy-source", "", "route policy table: file path, ssm:<param> or s3://bucket/key; empty for none")
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Invalid values are reported through logf and ignored.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.DrainPeriod < 0 {
		add("DRAIN_PERIOD must be >= 0 (got %s)", c.DrainPeriod)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL: %w", err)
	}
	if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
		add("invalid STACKTRACE_LEVEL: %w", err)
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if u, err := url.Parse(c.UpstreamURL); c.UpstreamURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL)
	}
	if c.MaxBodyBytes < 0 {
		add("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes)
	}
	if c.TrustedHops < 0 {
		add("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}

	switch c.RateLimitStore {
	case StoreMemory:
		if c.MaxKeys < 0 {
			add("MAX_KEYS must be >= 0 (got %d)", c.MaxKeys)
		}
		if c.SweepInterval < 0 {
			add("SWEEP_INTERVAL must be >= 0 (got %s)", c.SweepInterval)
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			add("REDIS_ADDR required when RATELIMIT_STORE=redis")
		} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			add("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err)
		}
		if c.RedisDB < 0 {
			add("REDIS_DB must be >= 0 (got %d)", c.RedisDB)
		}
	default:
		add("RATELIMIT_STORE must be memory or redis (got %q)", c.RateLimitStore)
	}

	if c.GlobalLimit < 0 {
		add("GLOBAL_LIMIT must be >= 0 (got %d)", c.GlobalLimit)
	}
	if c.GlobalLimit > 0 && c.GlobalWindow <= 0 {
		add("GLOBAL_WINDOW must be > 0 (got %s)", c.GlobalWindow)
	}
	if _, err := ratelimit.ParseFailMode(c.FailMode); err != nil {
		add("invalid FAIL_MODE: %w", err)
	}

	return errors.Join(errs...)
}
