package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

type Options struct {
	Port        int
	Logger      log.Logger
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// UseRecoverMW wraps the mux in httpmw.Recover; OnPanic is passed through.
	UseRecoverMW bool
	OnPanic      func()
}
