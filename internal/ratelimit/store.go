package ratelimit

import (
	"context"
	"time"
)

// Record is the counter for one key in one window.
type Record struct {
	Key     string
	Count   int64
	ResetAt time.Time
}

// Store holds counter records. Implementations must make Increment indivisible
// per key: two concurrent calls for the same key never observe the same
// pre-increment count. Records whose ResetAt <= now are replaced, never incremented.
//
// The window length travels with each call so a single store can back several
// limiters with different windows. Limiters keep their keys apart with a name prefix.
type Store interface {
	// GetOrCreate returns the live record for key, starting a new window with
	// Count 0 and ResetAt now+window if there is none or it expired.
	GetOrCreate(ctx context.Context, key string, now time.Time, window time.Duration) (Record, error)

	// Increment is GetOrCreate followed by Count++, as one atomic step.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Record, error)
}
