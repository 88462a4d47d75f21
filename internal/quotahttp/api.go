// Package quotahttp serves the read-only rate limit status endpoints.
package quotahttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/policy"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-cms/internal/version"
)

// Limiter is the part of *ratelimit.Limiter the status endpoint reads.
type Limiter interface {
	Name() string
	Policy() ratelimit.Policy
	KeyFor(r *http.Request) string
	Peek(ctx context.Context, key string) ratelimit.Decision
}

// API implements the quota status endpoints
type API struct {
	global Limiter
	table  *policy.Table
	logger log.Logger
	now    func() time.Time
}

// NewAPI creates the status API. global may be nil when the global limit is
// disabled; table may be nil when no policy table is loaded.
func NewAPI(global Limiter, table *policy.Table, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		global: global,
		table:  table,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterRoutes attaches the status endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("ratelimit-quota")).Get("/api/v1/ratelimit", api.HandleQuota)
	r.With(httpmw.Scope("ratelimit-policies")).Get("/api/v1/ratelimit/policies", api.HandlePolicies)
}

// QuotaResponse is the caller's standing against the global limiter
type QuotaResponse struct {
	Limiter   string     `json:"limiter,omitempty"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	Window    string     `json:"window,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	Runtime   Runtime    `json:"runtime"`
	Error     string     `json:"error,omitempty"`
}

type Runtime struct {
	Version    string    `json:"version"`
	ServerTime time.Time `json:"server_time"`
}

// PolicyRoute is one loaded route limit
type PolicyRoute struct {
	Name   string `json:"name"`
	Method string `json:"method,omitempty"`
	Prefix string `json:"prefix"`
	Limit  int64  `json:"limit"`
	Window string `json:"window"`
	Key    string `json:"key"`
}

type PoliciesResponse struct {
	Global *PolicyRoute  `json:"global,omitempty"`
	Routes []PolicyRoute `json:"routes"`
}

// HandleQuota reports the caller's quota without counting the request.
func (api *API) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := QuotaResponse{Runtime: api.runtime()}

	if api.global == nil {
		resp.Error = "global rate limit disabled"
		api.writeJSON(ctx, w, http.StatusNotFound, resp)
		return
	}

	d := api.global.Peek(ctx, api.global.KeyFor(r))
	if d.Outcome == ratelimit.StoreUnavailable {
		log.FromContext(ctx).Warn(ctx, "quota status unavailable", "limiter", api.global.Name(), "error", d.Err)
		resp.Error = "rate limit store unavailable"
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, resp)
		return
	}

	reset := d.ResetAt.UTC().Truncate(time.Second)
	resp.Limiter = api.global.Name()
	resp.Limit = d.Limit
	resp.Remaining = max(0, d.Remaining)
	resp.Window = api.global.Policy().Window.String()
	resp.ResetAt = &reset

	ratelimit.Annotate(w.Header(), d)
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandlePolicies lists the global limit and the loaded route table.
func (api *API) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	resp := PoliciesResponse{Routes: []PolicyRoute{}}
	if api.global != nil {
		p := api.global.Policy()
		resp.Global = &PolicyRoute{
			Name:   api.global.Name(),
			Prefix: "/",
			Limit:  p.Limit,
			Window: p.Window.String(),
			Key:    "ip",
		}
	}
	if api.table != nil {
		for _, rt := range api.table.Routes {
			resp.Routes = append(resp.Routes, PolicyRoute{
				Name:   rt.Name,
				Method: rt.Method,
				Prefix: rt.Prefix,
				Limit:  rt.Limit,
				Window: rt.Window.String(),
				Key:    rt.Key,
			})
		}
	}
	api.logger.Debug(r.Context(), "served rate limit policies", "routes", len(resp.Routes))
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) runtime() Runtime {
	return Runtime{
		Version:    version.Get().Version,
		ServerTime: api.now().UTC().Truncate(time.Second),
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
