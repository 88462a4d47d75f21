package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
)

// newTestStore connects to a local redis and skips the test when there is none.
// Every test gets its own prefix so runs never see each other's counters.
func newTestStore(t *testing.T) (*Store, redis.UniversalClient) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("skipping test: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	prefix := fmt.Sprintf("rltest:%s:%d:", t.Name(), time.Now().UnixNano())
	return New(client, WithPrefix(prefix)), client
}

func TestStore_IncrementCountsWithinWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 3; i++ {
		rec, err := s.Increment(ctx, "k", now, time.Minute)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if rec.Count != i {
			t.Fatalf("count = %d, want %d", rec.Count, i)
		}
		if rec.Key != "k" {
			t.Fatalf("key = %q, want unprefixed key", rec.Key)
		}
		if rec.ResetAt.Before(now) || rec.ResetAt.After(now.Add(time.Minute)) {
			t.Fatalf("ResetAt %v outside [now, now+window]", rec.ResetAt)
		}
	}
}

func TestStore_WindowExpiryStartsNewWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Increment(ctx, "k", time.Now(), 50*time.Millisecond)
	s.Increment(ctx, "k", time.Now(), 50*time.Millisecond)

	time.Sleep(80 * time.Millisecond)

	rec, err := s.Increment(ctx, "k", time.Now(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if rec.Count != 1 {
		t.Fatalf("count after expiry = %d, want 1", rec.Count)
	}
}

func TestStore_GetOrCreateDoesNotCount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetOrCreate(ctx, "k", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if rec.Count != 0 {
		t.Fatalf("fresh count = %d, want 0", rec.Count)
	}

	s.Increment(ctx, "k", time.Now(), time.Minute)
	rec, _ = s.GetOrCreate(ctx, "k", time.Now(), time.Minute)
	if rec.Count != 1 {
		t.Fatalf("count = %d, want 1", rec.Count)
	}
}

func TestStore_ConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	s, _ := newTestStore(t)
	l, err := ratelimit.New(ratelimit.Config{
		Name:         "concurrent",
		Limit:        20,
		Window:       time.Minute,
		OnStoreError: ratelimit.FailClosed,
		Store:        s,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 35; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(context.Background(), "same").Allowed() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 20 {
		t.Fatalf("allowed = %d, want 20", got)
	}
}

func TestStore_UnreachableRedisIsStoreError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := New(client)

	_, err := s.Increment(context.Background(), "k", time.Now(), time.Minute)
	if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Fatalf("Ping err = %v, want ErrStoreUnavailable", err)
	}
}

func TestNewClient_RequiresAddr(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
	c, err := NewClient(Config{Addr: "localhost:6379"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()
	if c.Options().ReadTimeout != 500*time.Millisecond {
		t.Fatalf("ReadTimeout = %v, want default 500ms", c.Options().ReadTimeout)
	}
}
