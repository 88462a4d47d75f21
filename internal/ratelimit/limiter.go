package ratelimit

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

// UnknownKey is used for requests whose key could not be derived.
const UnknownKey = "unknown"

// FailMode decides what happens to a request when the store is unavailable.
// There is no default: the zero value is rejected by New so the choice is always explicit.
type FailMode int

const (
	// FailOpen lets the request through when the store fails.
	FailOpen FailMode = iota + 1
	// FailClosed rejects the request with 429 when the store fails.
	FailClosed
)

func (m FailMode) String() string {
	switch m {
	case FailOpen:
		return "fail-open"
	case FailClosed:
		return "fail-closed"
	default:
		return "unset"
	}
}

// ParseFailMode parses "fail-open" or "fail-closed".
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail-open":
		return FailOpen, nil
	case "fail-closed":
		return FailClosed, nil
	default:
		return 0, invalidConfig("unknown fail mode %q (valid modes are fail-open|fail-closed)", s)
	}
}

// Config is the per-limiter configuration, immutable once the limiter is built.
type Config struct {
	// Name namespaces this limiter's keys inside a shared store and labels its
	// metrics and logs. Two limiters sharing a store must use different names.
	Name string

	// Limit is the number of requests allowed per key per window, inclusive.
	Limit int64

	// Window is the fixed window length.
	Window time.Duration

	// KeyFunc derives the key from a request. Defaults to ClientIPKey.
	KeyFunc KeyFunc

	// OnStoreError is required: FailOpen or FailClosed.
	OnStoreError FailMode

	// Store holds the counters. Required, owned by the caller.
	Store Store
}

// Limiter applies one Policy against one Store.
type Limiter struct {
	name     string
	policy   Policy
	store    Store
	keyFn    KeyFunc
	failMode FailMode
	now      func() time.Time
	logger   log.Logger

	// storeWarn throttles the store failure warning, a dead backend would
	// otherwise log once per request
	storeWarn *rate.Sometimes

	// OnDenied is called on every denied request, including fail-closed denials
	OnDenied func(d Decision)

	// OnFirstDenied is called once per key per window, on the first denial.
	// Used for logging so an offender produces one line per window.
	OnFirstDenied func(d Decision)

	// OnStoreError is called on every store failure before the fail mode applies
	OnStoreError func(err error)

	// OnDecision is called for every resolved decision, used for metrics
	OnDecision func(name string, d Decision)
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger for store failure warnings. Without it the logger
// is taken from the request context.
func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) {
		l.logger = lg
	}
}

// WithStoreWarnInterval sets the minimum gap between store failure warnings.
func WithStoreWarnInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.storeWarn = &rate.Sometimes{First: 1, Interval: d}
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(d Decision)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial of each key's window.
func WithOnFirstDenied(fn func(d Decision)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnStoreError sets a callback for store failures.
func WithOnStoreError(fn func(err error)) Option {
	return func(l *Limiter) {
		l.OnStoreError = fn
	}
}

// WithOnDecision sets a callback for every decision after the fail mode is applied.
func WithOnDecision(fn func(name string, d Decision)) Option {
	return func(l *Limiter) {
		l.OnDecision = fn
	}
}

// New validates cfg and builds a Limiter. Configuration errors wrap ErrInvalidConfig.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	p := Policy{Limit: cfg.Limit, Window: cfg.Window}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cfg.OnStoreError != FailOpen && cfg.OnStoreError != FailClosed {
		return nil, invalidConfig("store error mode must be fail-open or fail-closed (got %s)", cfg.OnStoreError)
	}
	if cfg.Store == nil {
		return nil, invalidConfig("store is required")
	}
	l := &Limiter{
		name:      cfg.Name,
		policy:    p,
		store:     cfg.Store,
		keyFn:     cfg.KeyFunc,
		failMode:  cfg.OnStoreError,
		now:       time.Now,
		storeWarn: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if l.keyFn == nil {
		l.keyFn = ClientIPKey
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.name }

// Policy returns the limiter's quota.
func (l *Limiter) Policy() Policy { return l.policy }

// FailMode returns the configured store failure handling.
func (l *Limiter) FailMode() FailMode { return l.failMode }

func (l *Limiter) storeKey(key string) string {
	if l.name == "" {
		return key
	}
	return l.name + ":" + key
}

// Check counts one request for key and returns the raw decision, which may be
// StoreUnavailable. Most callers want Allow.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	if key == "" {
		key = UnknownKey
	}
	d := l.policy.Check(ctx, l.store, l.storeKey(key), l.now())
	d.Key = key
	return d
}

// Peek reports key's current quota without counting a request.
func (l *Limiter) Peek(ctx context.Context, key string) Decision {
	if key == "" {
		key = UnknownKey
	}
	d := l.policy.Peek(ctx, l.store, l.storeKey(key), l.now())
	d.Key = key
	return d
}

// Allow counts one request for key and resolves a store failure with the
// limiter's FailMode. The result is always Allow or Deny.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	return l.Resolve(ctx, l.Check(ctx, key))
}

// Resolve applies the fail mode to a StoreUnavailable decision and runs the hooks.
// Fail-open reports the full limit as remaining, fail-closed asks the client to
// retry in one second. Err is preserved either way.
func (l *Limiter) Resolve(ctx context.Context, d Decision) Decision {
	if d.Outcome == StoreUnavailable {
		if l.OnStoreError != nil {
			l.OnStoreError(d.Err)
		}
		l.storeWarn.Do(func() {
			l.log(ctx).Warn(ctx, "rate limit store unavailable",
				"limiter", l.name,
				"fail_mode", l.failMode.String(),
				"error", d.Err,
			)
		})
		switch l.failMode {
		case FailClosed:
			d.Outcome = Deny
			d.Remaining = 0
			d.RetryAfter = 1
		default:
			d.Outcome = Allow
			d.Remaining = d.Limit
		}
	}

	if d.Outcome == Deny {
		if d.First && l.OnFirstDenied != nil {
			l.OnFirstDenied(d)
		}
		if l.OnDenied != nil {
			l.OnDenied(d)
		}
	}
	if l.OnDecision != nil {
		l.OnDecision(l.name, d)
	}
	return d
}

func (l *Limiter) log(ctx context.Context) log.Logger {
	if l.logger != nil {
		return l.logger
	}
	return log.FromContext(ctx)
}
