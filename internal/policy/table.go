// Package policy loads the per-route rate limit table and turns it into
// limiters mounted on the public router.
//
// The table is JSON:
//
//	{"routes":[{"name":"comments","method":"POST","prefix":"/api/v1/comments",
//	            "limit":5,"window":"1m","key":"header:X-User-Id"}]}
//
// key is "ip", "global" or "header:<Name>". Header keys fall back to the
// client IP when the header is missing.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// ErrInvalidTable wraps every parse and validation failure.
var ErrInvalidTable = errors.New("policy: invalid table")

// GlobalLimiterName is the name of the server-wide limiter. Route names share
// its store namespace, so a route may not take it.
const GlobalLimiterName = "global"

// Route is one validated table entry.
type Route struct {
	Name   string
	Method string // empty matches any method
	Prefix string
	Limit  int64
	Window time.Duration
	Key    string
}

type Table struct {
	Routes []Route
}

type rawRoute struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Prefix string `json:"prefix"`
	Limit  int64  `json:"limit"`
	Window string `json:"window"`
	Key    string `json:"key"`
}

type rawTable struct {
	Routes []rawRoute `json:"routes"`
}

// Parse decodes and validates a table. Every bad entry is reported, joined.
func Parse(data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw rawTable
	if err := dec.Decode(&raw); err != nil {
		return nil, xerrors.Wrapf(errors.Join(ErrInvalidTable, err), "decode policy table")
	}

	var errs []error
	seen := make(map[string]bool, len(raw.Routes))
	t := &Table{Routes: make([]Route, 0, len(raw.Routes))}
	for i, rr := range raw.Routes {
		r, err := rr.validate()
		if err == nil && seen[r.Name] {
			err = fmt.Errorf("duplicate name %q", r.Name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
			continue
		}
		seen[r.Name] = true
		t.Routes = append(t.Routes, r)
	}
	if len(errs) > 0 {
		return nil, xerrors.WithStack(errors.Join(append([]error{ErrInvalidTable}, errs...)...))
	}
	return t, nil
}

func (rr rawRoute) validate() (Route, error) {
	r := Route{
		Name:   strings.TrimSpace(rr.Name),
		Method: strings.ToUpper(strings.TrimSpace(rr.Method)),
		Prefix: strings.TrimSpace(rr.Prefix),
		Limit:  rr.Limit,
		Key:    strings.TrimSpace(rr.Key),
	}
	if r.Name == "" {
		return r, errors.New("name is required")
	}
	if r.Name == GlobalLimiterName {
		return r, fmt.Errorf("name %q is reserved", r.Name)
	}
	// store keys and metric labels split on the first ':'
	if strings.Contains(r.Name, ":") {
		return r, fmt.Errorf("name %q must not contain ':'", r.Name)
	}
	if !strings.HasPrefix(r.Prefix, "/") {
		return r, fmt.Errorf("prefix %q must start with /", r.Prefix)
	}
	if pathutil.Normalize(r.Prefix) != r.Prefix {
		return r, fmt.Errorf("prefix %q must be a clean path", r.Prefix)
	}
	if r.Method != "" && !validMethod(r.Method) {
		return r, fmt.Errorf("unknown method %q", rr.Method)
	}
	w, err := time.ParseDuration(strings.TrimSpace(rr.Window))
	if err != nil {
		return r, fmt.Errorf("window: %w", err)
	}
	r.Window = w
	if err := (ratelimit.Policy{Limit: r.Limit, Window: r.Window}).Validate(); err != nil {
		return r, err
	}
	if r.Key == "" {
		r.Key = "ip"
	}
	if _, err := KeyFunc(r.Key); err != nil {
		return r, err
	}
	return r, nil
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// KeyFunc maps a table key spec to a ratelimit.KeyFunc.
func KeyFunc(spec string) (ratelimit.KeyFunc, error) {
	switch {
	case spec == "ip":
		return ratelimit.ClientIPKey, nil
	case spec == "global":
		return ratelimit.StaticKey("all"), nil
	case strings.HasPrefix(spec, "header:"):
		name := strings.TrimSpace(strings.TrimPrefix(spec, "header:"))
		if name == "" {
			return nil, errors.New("header key needs a header name")
		}
		return ratelimit.HeaderKey(http.CanonicalHeaderKey(name), nil), nil
	}
	return nil, fmt.Errorf("unknown key %q (valid keys are ip|global|header:<Name>)", spec)
}

func (r Route) matches(req *http.Request) bool {
	if r.Method != "" && req.Method != r.Method {
		return false
	}
	// /api/./comments must count against /api/comments
	p := pathutil.Normalize(req.URL.Path)
	// match whole segments: /api/comments does not cover /api/commentsarchive
	return p == r.Prefix || strings.HasPrefix(p, strings.TrimSuffix(r.Prefix, "/")+"/")
}
