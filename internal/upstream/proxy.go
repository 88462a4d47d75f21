// Package upstream forwards allowed requests to the CMS backend.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

type Options struct {
	// Target is the backend base URL, e.g. http://127.0.0.1:3000
	Target string

	// Transport defaults to a clone of http.DefaultTransport. It is always
	// wrapped by otelx.Transport.
	Transport http.RoundTripper

	// ResponseHeaderTimeout bounds the wait for backend headers. 0 means 30s.
	ResponseHeaderTimeout time.Duration

	// OnError is called once per failed round trip, e.g. to bump a metric.
	OnError func()
}

// New returns a reverse proxy to opts.Target. Backend failures are logged
// with the request logger and answered with 502, or 504 on timeout.
func New(opts Options) (http.Handler, error) {
	if opts.Target == "" {
		return nil, xerrors.New("upstream target is required")
	}
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream target %q", opts.Target)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, xerrors.Newf("upstream target %q must be an absolute http(s) URL", opts.Target)
	}

	base := opts.Transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		if t.ResponseHeaderTimeout == 0 {
			t.ResponseHeaderTimeout = 30 * time.Second
		}
		base = t
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Forwarded-For", ip)
			}
			if id := httpmw.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-Id", id)
			}
		},
		Transport: otelx.Transport(base),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// client went away, nothing to answer
			if errors.Is(err, context.Canceled) {
				log.FromContext(r.Context()).Debug(r.Context(), "upstream request canceled by client")
				return
			}
			if opts.OnError != nil {
				opts.OnError()
			}
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			log.FromContext(r.Context()).Error(r.Context(), xerrors.Wrap(err, "upstream round trip"), "upstream request failed",
				"upstream", target.Host,
				"http.response.status_code", status,
			)
			http.Error(w, http.StatusText(status), status)
		},
	}
	return rp, nil
}
