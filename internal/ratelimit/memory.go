package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// MemoryStore is the in-process Store: one mutex guards the whole key table, so
// Increment and the janitor's Sweep are serialized against each other.
// Nothing here is shared between instances of the server.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	// maxKeys caps live records so a flood of unique keys cannot grow the map
	// without bound. 0 disables the cap.
	maxKeys int

	// grace is how long an expired record is kept before Sweep reclaims it
	grace time.Duration

	// atCapacity tracks whether OnCapacity already fired for the current
	// saturation episode, cleared once a new key is admitted again
	atCapacity bool

	// OnCapacity is called once when the store first rejects a new key because
	// it is full. Called without the lock held.
	OnCapacity func()
}

type MemoryOption func(*MemoryStore)

// WithMaxKeys caps the number of live records. 0 disables the cap.
func WithMaxKeys(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxKeys = n
	}
}

// WithGrace keeps expired records around for d before Sweep removes them.
func WithGrace(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.grace = d
	}
}

// WithOnCapacity sets a callback fired once per saturation episode, used for logging and metrics.
func WithOnCapacity(fn func()) MemoryOption {
	return func(s *MemoryStore) {
		s.OnCapacity = fn
	}
}

// NewMemoryStore creates an empty store. Call StartJanitor to reclaim expired records in the background.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		maxKeys: 100000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) GetOrCreate(_ context.Context, key string, now time.Time, window time.Duration) (Record, error) {
	return s.update(key, now, window, 0)
}

func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Record, error) {
	return s.update(key, now, window, 1)
}

// update is the single read-modify-write path for both store operations
func (s *MemoryStore) update(key string, now time.Time, window time.Duration, delta int64) (Record, error) {
	s.mu.Lock()
	rec, exists := s.records[key]
	if !exists || !now.Before(rec.ResetAt) {
		if !exists && s.full(now) {
			fire := !s.atCapacity
			s.atCapacity = true
			s.mu.Unlock()
			if fire && s.OnCapacity != nil {
				s.OnCapacity()
			}
			return Record{}, xerrors.WithStack(ErrStoreFull)
		}
		rec = &Record{Key: key, ResetAt: now.Add(window)}
		s.records[key] = rec
	}
	rec.Count += delta
	out := *rec
	s.mu.Unlock()
	return out, nil
}

// full reports whether a new key would exceed maxKeys, sweeping expired
// records first so dead windows never hold capacity. Caller holds s.mu.
func (s *MemoryStore) full(now time.Time) bool {
	if s.maxKeys <= 0 {
		return false
	}
	if len(s.records) >= s.maxKeys {
		s.sweepLocked(now)
	}
	if len(s.records) >= s.maxKeys {
		return true
	}
	s.atCapacity = false
	return false
}

// Sweep removes records whose window ended more than the grace period before now.
// Returns the number of records removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now.Add(-s.grace))
}

func (s *MemoryStore) sweepLocked(cutoff time.Time) int {
	n := 0
	for k, rec := range s.records {
		if !cutoff.Before(rec.ResetAt) {
			delete(s.records, k)
			n++
		}
	}
	return n
}

// StartJanitor sweeps every interval until ctx is cancelled.
// onSweep, if non-nil, receives the number of records removed and the number left.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration, onSweep func(removed, remaining int)) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed := s.Sweep(now)
				if onSweep != nil {
					onSweep(removed, s.Len())
				}
			}
		}
	}()
}

// Len reports the number of records currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
