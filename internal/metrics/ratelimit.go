package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
)

// ObserveLimiter has the ratelimit.WithOnDecision signature. It feeds the
// decision, first denial and store error series from one hook.
func (m *ServerMetrics) ObserveLimiter(name string, d ratelimit.Decision) {
	outcome := d.Outcome.String()
	if d.Err != nil {
		outcome = ratelimit.StoreUnavailable.String()
		m.IncStoreError(name)
	}
	m.ObserveDecision(name, outcome)
	if d.Outcome == ratelimit.Deny && d.First {
		m.IncFirstDenied(name)
	}
}

type timedStore struct {
	next ratelimit.Store
	m    *ServerMetrics
}

// InstrumentStore times every store call. Limiters prefix keys with their
// name, so the limiter label is the key up to the first colon.
func (m *ServerMetrics) InstrumentStore(s ratelimit.Store) ratelimit.Store {
	return &timedStore{next: s, m: m}
}

func (s *timedStore) GetOrCreate(ctx context.Context, key string, now time.Time, window time.Duration) (ratelimit.Record, error) {
	start := time.Now()
	rec, err := s.next.GetOrCreate(ctx, key, now, window)
	s.m.ObserveStoreDuration(limiterOf(key), time.Since(start))
	return rec, err
}

func (s *timedStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (ratelimit.Record, error) {
	start := time.Now()
	rec, err := s.next.Increment(ctx, key, now, window)
	s.m.ObserveStoreDuration(limiterOf(key), time.Since(start))
	return rec, err
}

func limiterOf(key string) string {
	if name, _, ok := strings.Cut(key, ":"); ok && name != "" {
		return name
	}
	return "unnamed"
}
