package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// shared helpers for the package tests

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a settable clock, safe for concurrent use.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// At moves the clock to epoch+d.
func (c *fakeClock) At(d time.Duration) {
	c.mu.Lock()
	c.t = epoch.Add(d)
	c.mu.Unlock()
}

// failingStore fails every call, like a redis store that lost its connection.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

var errBackendDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (s *failingStore) GetOrCreate(context.Context, string, time.Time, time.Duration) (Record, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return Record{}, StoreError(errBackendDown, "get")
}

func (s *failingStore) Increment(context.Context, string, time.Time, time.Duration) (Record, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return Record{}, StoreError(errBackendDown, "increment")
}

// newTestLimiter builds a fail-open limiter over a fresh memory store with a fake clock.
func newTestLimiter(limit int64, window time.Duration, opts ...Option) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	all := append([]Option{WithClock(clk.Now)}, opts...)
	l, err := New(Config{
		Name:         "test",
		Limit:        limit,
		Window:       window,
		OnStoreError: FailOpen,
		Store:        NewMemoryStore(),
	}, all...)
	if err != nil {
		panic(err)
	}
	return l, clk
}
