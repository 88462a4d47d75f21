package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantKeep bool
	}{
		{"generated when missing", "", false},
		{"propagated when sane", "abc-123", true},
		{"replaced when too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"replaced when it has spaces", "bad id", false},
		{"replaced when it has control chars", "id\x07", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				r.Header.Set("X-Request-Id", tt.inbound)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			got := w.Header().Get("X-Request-Id")
			if got == "" || got != ctxID {
				t.Fatalf("response id %q, context id %q", got, ctxID)
			}
			if tt.wantKeep && got != tt.inbound {
				t.Fatalf("id = %q, want inbound %q", got, tt.inbound)
			}
			if !tt.wantKeep && (got == tt.inbound || len(got) != 32) {
				t.Fatalf("id = %q, want a fresh 32 char id", got)
			}
		})
	}
}

func TestRequestID_CustomHeader(t *testing.T) {
	h := RequestID("X-Correlation-Id")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Fatal("custom header should be set")
	}
}
