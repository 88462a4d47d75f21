package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-cms/internal/version"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// counterWith sums the counters in name whose labels include want.
func counterWith(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	mf := family(t, reg, name)
	if mf == nil {
		return 0
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		if hasLabels(m, want) {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNew_CollectorsRegistered(t *testing.T) {
	m := New()
	for _, name := range []string{"go_goroutines", "process_start_time_seconds"} {
		if family(t, m.Registry(), name) == nil {
			t.Errorf("%s missing", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()
	if counterWith(t, b.Registry(), "http_panic_total", nil) != 0 {
		t.Fatal("registries should not share state")
	}
}

func TestRateLimitMetrics(t *testing.T) {
	m := New()
	reg := m.Registry()

	m.ObserveDecision("global", "allow")
	m.ObserveDecision("global", "allow")
	m.ObserveDecision("global", "deny")
	m.ObserveDecision("comments", "store_unavailable")
	m.IncFirstDenied("global")
	m.IncStoreError("comments")
	m.ObserveStoreDuration("global", 2*time.Millisecond)
	m.IncCapacity()
	m.SetActiveKeys(17)

	tests := []struct {
		metric string
		labels map[string]string
		want   float64
	}{
		{"ratelimit_decisions_total", map[string]string{"limiter": "global", "outcome": "allow"}, 2},
		{"ratelimit_decisions_total", map[string]string{"limiter": "global", "outcome": "deny"}, 1},
		{"ratelimit_decisions_total", map[string]string{"limiter": "comments"}, 1},
		{"ratelimit_first_denied_total", map[string]string{"limiter": "global"}, 1},
		{"ratelimit_store_errors_total", map[string]string{"limiter": "comments"}, 1},
		{"ratelimit_capacity_total", nil, 1},
	}
	for _, tt := range tests {
		if got := counterWith(t, reg, tt.metric, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.metric, tt.labels, got, tt.want)
		}
	}

	if g := family(t, reg, "ratelimit_active_keys").GetMetric()[0].GetGauge().GetValue(); g != 17 {
		t.Errorf("active keys = %v, want 17", g)
	}
	h := family(t, reg, "ratelimit_store_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("store duration samples = %d, want 1", h.GetSampleCount())
	}
}

func TestSetPolicyLoaded(t *testing.T) {
	m := New()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m.SetPolicyLoaded(at, 4)

	if v := family(t, m.Registry(), "ratelimit_policy_loaded_timestamp_seconds").GetMetric()[0].GetGauge().GetValue(); v != float64(at.Unix()) {
		t.Fatalf("loaded ts = %v", v)
	}
	if v := family(t, m.Registry(), "ratelimit_policy_routes").GetMetric()[0].GetGauge().GetValue(); v != 4 {
		t.Fatalf("routes = %v", v)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := false
	m.SetBuildInfoFromVersion("cms", "server", version.Info{Version: "1.2.3", Commit: "abc", GoVersion: "go1.24", VCSDirty: &dirty})

	mf := family(t, m.Registry(), "build_info")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatal("build_info missing")
	}
	if !hasLabels(mf.GetMetric()[0], map[string]string{"app": "cms", "version": "1.2.3", "vcs_dirty": "false"}) {
		t.Fatalf("labels = %v", mf.GetMetric()[0].GetLabel())
	}

	m2 := New()
	m2.SetBuildInfoFromVersion("cms", "server", version.Info{})
	if !hasLabels(family(t, m2.Registry(), "build_info").GetMetric()[0], map[string]string{"vcs_dirty": "unknown"}) {
		t.Fatal("nil VCSDirty should be unknown")
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if family(t, m.Registry(), "profiling_active").GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Fatal("want 1")
	}
	m.SetProfilingActive(false)
	if family(t, m.Registry(), "profiling_active").GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Fatal("want 0")
	}
}

func TestHandler_Scrape(t *testing.T) {
	m := New()
	m.ObserveDecision("global", "deny")
	m.IncUpstreamError()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{
		`ratelimit_decisions_total{limiter="global",outcome="deny"} 1`,
		"upstream_errors_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	m := New()
	router := chi.NewRouter()
	router.Get("/api/v1/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	router.Get("/limited", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	h := m.Middleware(router)

	for _, p := range []string{"/api/v1/posts/1", "/api/v1/posts/2", "/boom", "/limited", "/wp-login.php"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	reg := m.Registry()

	if got := counterWith(t, reg, "http_requests_total", map[string]string{"route": "/api/v1/posts/{id}", "status": "200"}); got != 2 {
		t.Errorf("posts total = %v, want 2 under one pattern", got)
	}
	if got := counterWith(t, reg, "http_requests_total", map[string]string{"route": "/limited", "status": "429"}); got != 1 {
		t.Errorf("429 total = %v", got)
	}
	if got := counterWith(t, reg, "http_requests_total", map[string]string{"route": unroutedLabel, "status": "404"}); got != 1 {
		t.Errorf("unrouted total = %v", got)
	}
	if got := counterWith(t, reg, "http_errors_total", nil); got != 1 {
		t.Errorf("5xx total = %v, want only the 502", got)
	}
	if v := family(t, reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); v != 0 {
		t.Errorf("inflight = %v after all requests finished", v)
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.Write([]byte("abc"))
	sw.WriteHeader(http.StatusTeapot)
	if sw.status != http.StatusOK || sw.n != 3 {
		t.Fatalf("status = %d n = %d, first write fixes the status", sw.status, sw.n)
	}
}
