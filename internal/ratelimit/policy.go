package ratelimit

import (
	"context"
	"time"
)

// Outcome is the result of a single limiter check.
type Outcome int

const (
	// Allow means the request is within the window's quota.
	Allow Outcome = iota + 1
	// Deny means the quota for the window is spent.
	Deny
	// StoreUnavailable means the store could not be consulted. The caller's
	// FailMode decides what happens to the request.
	StoreUnavailable
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Policy is the quota for one limiter: at most Limit requests per key per Window.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// Validate rejects non-positive limits and windows.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return invalidConfig("limit must be positive (got %d)", p.Limit)
	}
	if p.Window <= 0 {
		return invalidConfig("window must be positive (got %s)", p.Window)
	}
	return nil
}

// Decision is what a limiter decided for one request.
type Decision struct {
	Outcome Outcome
	Key     string
	Limit   int64
	// Count is the number of requests counted in this window, this one included
	Count     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter is whole seconds until the window resets, set on Deny only
	RetryAfter int64
	// First is true for the first denial of a window (count == limit+1)
	First bool
	// Err is the store failure behind a StoreUnavailable outcome. It is kept
	// after a FailMode resolves the decision so callers can still see it.
	Err error
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

// Check counts one request for key and decides it. The store is incremented
// before the comparison, so denied requests are counted too.
// Store failures come back as StoreUnavailable, never as Allow or Deny.
func (p Policy) Check(ctx context.Context, s Store, key string, now time.Time) Decision {
	rec, err := s.Increment(ctx, key, now, p.Window)
	if err != nil {
		return Decision{
			Outcome:   StoreUnavailable,
			Key:       key,
			Limit:     p.Limit,
			Remaining: p.Limit,
			ResetAt:   now.Add(p.Window),
			Err:       err,
		}
	}
	return p.decide(key, rec, now)
}

// Peek reports the quota for key without consuming any of it. Outcome is what
// the next request would get.
func (p Policy) Peek(ctx context.Context, s Store, key string, now time.Time) Decision {
	rec, err := s.GetOrCreate(ctx, key, now, p.Window)
	if err != nil {
		return Decision{
			Outcome:   StoreUnavailable,
			Key:       key,
			Limit:     p.Limit,
			Remaining: p.Limit,
			ResetAt:   now.Add(p.Window),
			Err:       err,
		}
	}
	d := p.decide(key, Record{Key: rec.Key, Count: rec.Count + 1, ResetAt: rec.ResetAt}, now)
	d.Count = rec.Count
	d.Remaining = max(0, p.Limit-rec.Count)
	d.First = false
	return d
}

func (p Policy) decide(key string, rec Record, now time.Time) Decision {
	d := Decision{
		Key:     key,
		Limit:   p.Limit,
		Count:   rec.Count,
		ResetAt: rec.ResetAt,
	}
	if rec.Count <= p.Limit {
		d.Outcome = Allow
		d.Remaining = p.Limit - rec.Count
		return d
	}
	d.Outcome = Deny
	d.RetryAfter = retryAfterSeconds(rec.ResetAt.Sub(now))
	d.First = rec.Count == p.Limit+1
	return d
}

// retryAfterSeconds rounds up to whole seconds, never less than 1
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}
