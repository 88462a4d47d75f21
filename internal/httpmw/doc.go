// Package httpmw holds the HTTP middleware shared by the public and ops
// listeners.
//
// httpserver.NewHandler composes them outermost first: recover, request ID,
// client IP, the global rate limiter, OTel, trace headers, metrics, logging
// and then the chi router with per-route limiters. Client IP extraction has
// to run before any limiter keyed on the caller's address.
//
// Request bodies, query values and user-agent strings are kept out of logs.
package httpmw
