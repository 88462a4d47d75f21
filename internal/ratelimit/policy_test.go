package ratelimit

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheck_RemainingDecreasesWithinWindow(t *testing.T) {
	l, clk := newTestLimiter(5, time.Minute)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		clk.At(time.Duration(i) * time.Millisecond)
		d := l.Check(ctx, "a")
		if d.Outcome != Allow {
			t.Fatalf("request %d: outcome = %s, want allow", i, d.Outcome)
		}
		if want := 5 - i; d.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i, d.Remaining, want)
		}
		if d.Count != i {
			t.Fatalf("request %d: count = %d, want %d", i, d.Count, i)
		}
	}
}

func TestCheck_LimitTenWindowSixtySeconds(t *testing.T) {
	l, clk := newTestLimiter(10, 60*time.Second)
	ctx := context.Background()

	var last Decision
	for i := 0; i < 10; i++ {
		clk.At(time.Duration(i) * time.Millisecond)
		last = l.Check(ctx, "a")
		if last.Outcome != Allow {
			t.Fatalf("request %d at t=%dms: outcome = %s, want allow", i+1, i, last.Outcome)
		}
	}
	if last.Remaining != 0 {
		t.Fatalf("10th request remaining = %d, want 0", last.Remaining)
	}
	if want := epoch.Add(60 * time.Second); !last.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", last.ResetAt, want)
	}

	clk.At(10 * time.Millisecond)
	d := l.Check(ctx, "a")
	if d.Outcome != Deny {
		t.Fatalf("11th request: outcome = %s, want deny", d.Outcome)
	}
	if d.RetryAfter != 60 {
		t.Fatalf("11th request: RetryAfter = %d, want 60", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Fatalf("11th request: remaining = %d, want 0", d.Remaining)
	}
	if !d.First {
		t.Fatal("11th request should be the first denial of the window")
	}

	clk.At(11 * time.Millisecond)
	d = l.Check(ctx, "a")
	if d.Outcome != Deny || d.First {
		t.Fatalf("12th request: outcome = %s first = %v, want deny and not first", d.Outcome, d.First)
	}
}

func TestCheck_RequestAfterResetStartsNewWindow(t *testing.T) {
	l, clk := newTestLimiter(10, 60*time.Second)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		clk.At(time.Duration(i) * time.Millisecond)
		l.Check(ctx, "a")
	}

	clk.At(60001 * time.Millisecond)
	d := l.Check(ctx, "a")
	if d.Outcome != Allow {
		t.Fatalf("outcome = %s, want allow in fresh window", d.Outcome)
	}
	if d.Count != 1 {
		t.Fatalf("count = %d, want 1", d.Count)
	}
	if d.Remaining != 9 {
		t.Fatalf("remaining = %d, want 9", d.Remaining)
	}
	if want := epoch.Add(60001*time.Millisecond + 60*time.Second); !d.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestCheck_RequestAtExactResetBelongsToNewWindow(t *testing.T) {
	l, clk := newTestLimiter(1, time.Second)
	ctx := context.Background()

	l.Check(ctx, "a")
	clk.At(999 * time.Millisecond)
	if d := l.Check(ctx, "a"); d.Outcome != Deny {
		t.Fatalf("before reset: outcome = %s, want deny", d.Outcome)
	}

	clk.At(time.Second)
	d := l.Check(ctx, "a")
	if d.Outcome != Allow || d.Count != 1 {
		t.Fatalf("at reset: outcome = %s count = %d, want allow with count 1", d.Outcome, d.Count)
	}
}

func TestCheck_WindowDoesNotSlide(t *testing.T) {
	l, clk := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	first := l.Check(ctx, "a")
	clk.At(30 * time.Second)
	later := l.Check(ctx, "a")
	if !later.ResetAt.Equal(first.ResetAt) {
		t.Fatalf("ResetAt moved from %v to %v", first.ResetAt, later.ResetAt)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		l.Check(ctx, "a")
	}

	d := l.Check(ctx, "b")
	if d.Outcome != Allow || d.Remaining != 2 {
		t.Fatalf("key b: outcome = %s remaining = %d, want allow with 2 remaining", d.Outcome, d.Remaining)
	}
}

func TestCheck_IdenticalLimitersDecideIdentically(t *testing.T) {
	run := func() []Decision {
		l, clk := newTestLimiter(3, time.Second)
		ctx := context.Background()
		var out []Decision
		steps := []struct {
			at  time.Duration
			key string
		}{
			{0, "a"}, {10 * time.Millisecond, "a"}, {20 * time.Millisecond, "b"},
			{30 * time.Millisecond, "a"}, {40 * time.Millisecond, "a"}, {50 * time.Millisecond, "a"},
			{1200 * time.Millisecond, "a"}, {1300 * time.Millisecond, "b"},
		}
		for _, s := range steps {
			clk.At(s.at)
			out = append(out, l.Check(ctx, s.key))
		}
		return out
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("decision sequences differ:\n%+v\n%+v", a, b)
	}
}

func TestCheck_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	const limit, extra = 50, 30
	l, _ := newTestLimiter(limit, time.Minute)
	ctx := context.Background()

	var allowed, denied atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < limit+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check(ctx, "same").Outcome == Allow {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want %d", got, limit)
	}
	if got := denied.Load(); got != extra {
		t.Fatalf("denied = %d, want %d", got, extra)
	}
}

func TestCheck_StoreFailureIsDistinctOutcome(t *testing.T) {
	p := Policy{Limit: 5, Window: time.Minute}
	d := p.Check(context.Background(), &failingStore{}, "a", epoch)

	if d.Outcome != StoreUnavailable {
		t.Fatalf("outcome = %s, want store_unavailable", d.Outcome)
	}
	if !errors.Is(d.Err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable in chain", d.Err)
	}
	if !errors.Is(d.Err, errBackendDown) {
		t.Fatalf("err = %v, want backend error in chain", d.Err)
	}
	if d.Allowed() {
		t.Fatal("raw store failure must not report allowed")
	}
}

func TestPeek_DoesNotConsumeQuota(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Peek(ctx, "a")
		if d.Outcome != Allow || d.Remaining != 2 || d.Count != 0 {
			t.Fatalf("peek %d: outcome = %s remaining = %d count = %d", i, d.Outcome, d.Remaining, d.Count)
		}
	}

	l.Check(ctx, "a")
	l.Check(ctx, "a")

	d := l.Peek(ctx, "a")
	if d.Outcome != Deny {
		t.Fatalf("peek after exhausting: outcome = %s, want deny", d.Outcome)
	}
	if d.Remaining != 0 || d.RetryAfter < 1 {
		t.Fatalf("peek after exhausting: remaining = %d retryAfter = %d", d.Remaining, d.RetryAfter)
	}
	if d.First {
		t.Fatal("peek should never report a first denial")
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Policy
		wantErr bool
	}{
		{"valid", Policy{Limit: 1, Window: time.Millisecond}, false},
		{"zero limit", Policy{Limit: 0, Window: time.Second}, true},
		{"negative limit", Policy{Limit: -1, Window: time.Second}, true},
		{"zero window", Policy{Limit: 1, Window: 0}, true},
		{"negative window", Policy{Limit: 1, Window: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error %v should wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{59990 * time.Millisecond, 60},
		{60 * time.Second, 60},
		{1500 * time.Millisecond, 2},
		{time.Millisecond, 1},
		{0, 1},
		{-time.Second, 1},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOutcome_String(t *testing.T) {
	tests := map[Outcome]string{
		Allow:            "allow",
		Deny:             "deny",
		StoreUnavailable: "store_unavailable",
		Outcome(0):       "unknown",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(o), got, want)
		}
	}
}
