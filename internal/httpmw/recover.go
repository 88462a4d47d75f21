package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, when
// set, is called once per recovered panic, typically to bump a metric.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover(logger log.Logger, onPanic func()) Middleware {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if onPanic != nil {
					onPanic()
				}
				err, ok := v.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", v)
				}
				logger.Error(r.Context(), xerrors.WithStack(err), "httpserver panic recovered",
					"request_id", RequestIDFromContext(r.Context()),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic_stack", string(debug.Stack()),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
