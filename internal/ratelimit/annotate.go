package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// rejection is the 429 body
type rejection struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// Annotate sets the quota headers. Reset is a Unix timestamp in seconds.
// Nested limiters overwrite each other, the innermost one to run wins.
func Annotate(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(max(0, d.Remaining), 10))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteRejection writes the 429 response for a denied decision.
func WriteRejection(w http.ResponseWriter, d Decision) {
	retry := d.RetryAfter
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retry, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:      "too many requests",
		RetryAfter: retry,
	})
}
