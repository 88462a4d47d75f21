package httpmw

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

// kvLogger collects With fields so the request logger's attrs can be checked.
type kvLogger struct {
	*spyLogger
	kv []any
}

func (k *kvLogger) With(kv ...any) log.Logger {
	return &kvLogger{spyLogger: k.spyLogger, kv: append(append([]any{}, k.kv...), kv...)}
}

func TestWithLogger_RequestFields(t *testing.T) {
	base := &kvLogger{spyLogger: newSpyLogger()}
	var got *kvLogger
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = log.FromContext(r.Context()).(*kvLogger)
	}), RequestID(""), ClientIPWithOptions(ClientIPOptions{}), WithLogger(base))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/posts?page=2", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got == nil {
		t.Fatal("no request logger in context")
	}
	if field(got.kv, "client.address") != "203.0.113.9" {
		t.Fatalf("client.address = %v, forwarded header must not be trusted", field(got.kv, "client.address"))
	}
	if field(got.kv, "url.path") != "/api/v1/posts" {
		t.Fatalf("url.path = %v", field(got.kv, "url.path"))
	}
	if id, _ := field(got.kv, "request_id").(string); id == "" {
		t.Fatal("request_id missing")
	}
	if field(got.kv, "url.query") != nil {
		t.Fatal("query strings stay out of logs")
	}
}

func TestAccessLog(t *testing.T) {
	spy := newSpyLogger()
	router := chi.NewRouter()
	router.Use(AccessLog("/-/ready"))
	router.Get("/api/v1/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	router.Get("/limited", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {})

	send := func(path string) {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r = r.WithContext(log.WithContext(context.Background(), spy))
		router.ServeHTTP(httptest.NewRecorder(), r)
	}

	send("/api/v1/posts/42")
	send("/limited")
	send("/-/ready")

	if len(spy.msgs) != 2 {
		t.Fatalf("logged %v, want two lines with the probe skipped", spy.msgs)
	}
	if spy.msgs[0] != "http request" {
		t.Fatalf("msg = %q", spy.msgs[0])
	}
	kv := spy.fields[0]
	if field(kv, "http.response.status_code") != 200 || field(kv, "http.response.body.size") != int64(5) {
		t.Fatalf("fields = %v", kv)
	}
	if field(kv, "http.route") != "/api/v1/posts/{id}" {
		t.Fatalf("http.route = %v, want the chi pattern", field(kv, "http.route"))
	}

	if spy.msgs[1] != "http request rate limited" {
		t.Fatalf("msg = %q", spy.msgs[1])
	}
	if field(spy.fields[1], "ratelimit.remaining") != "0" {
		t.Fatalf("fields = %v", spy.fields[1])
	}
}

func TestScope(t *testing.T) {
	base := &kvLogger{spyLogger: newSpyLogger()}
	var got *kvLogger
	h := Scope("ratelimit-status")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = log.FromContext(r.Context()).(*kvLogger)
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(log.WithContext(r.Context(), base)))
	if got == nil || field(got.kv, "handler") != "ratelimit-status" {
		t.Fatalf("handler field missing: %+v", got)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if schemeFromRequest(r) != "http" {
		t.Fatal("plain request is http")
	}
	r.TLS = &tls.ConnectionState{}
	if schemeFromRequest(r) != "https" {
		t.Fatal("TLS request is https")
	}
	r.TLS = nil
	r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if schemeFromRequest(r) != "https" {
		t.Fatal("first forwarded proto wins")
	}
	r.Header.Set("X-Forwarded-Proto", "gopher")
	if schemeFromRequest(r) != "http" {
		t.Fatal("unknown scheme is ignored")
	}
}
