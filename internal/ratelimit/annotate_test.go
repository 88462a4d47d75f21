package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAnnotate_SetsAllQuotaHeaders(t *testing.T) {
	h := http.Header{}
	Annotate(h, Decision{Outcome: Allow, Limit: 10, Remaining: 4, ResetAt: time.Unix(1767225660, 0)})

	if h.Get(HeaderLimit) != "10" {
		t.Errorf("%s = %q", HeaderLimit, h.Get(HeaderLimit))
	}
	if h.Get(HeaderRemaining) != "4" {
		t.Errorf("%s = %q", HeaderRemaining, h.Get(HeaderRemaining))
	}
	if h.Get(HeaderReset) != "1767225660" {
		t.Errorf("%s = %q", HeaderReset, h.Get(HeaderReset))
	}
	if h.Get(HeaderRetryAfter) != "" {
		t.Error("Retry-After should only be set on rejection")
	}
}

func TestAnnotate_NegativeRemainingClampedToZero(t *testing.T) {
	h := http.Header{}
	Annotate(h, Decision{Limit: 1, Remaining: -3, ResetAt: epoch})
	if h.Get(HeaderRemaining) != "0" {
		t.Fatalf("%s = %q, want 0", HeaderRemaining, h.Get(HeaderRemaining))
	}
}

func TestAnnotate_OverwritesOuterLimiter(t *testing.T) {
	h := http.Header{}
	Annotate(h, Decision{Limit: 100, Remaining: 99, ResetAt: epoch})
	Annotate(h, Decision{Limit: 5, Remaining: 4, ResetAt: epoch})
	if got := h.Values(HeaderLimit); len(got) != 1 || got[0] != "5" {
		t.Fatalf("%s values = %v, want [5]", HeaderLimit, got)
	}
}

func TestWriteRejection(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRejection(w, Decision{Outcome: Deny, RetryAfter: 60})

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	want := `{"error":"too many requests","retryAfter":60}`
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestWriteRejection_RetryAfterAtLeastOne(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRejection(w, Decision{Outcome: Deny})
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), `"retryAfter":1`) {
		t.Fatalf("body = %q", w.Body.String())
	}
}
