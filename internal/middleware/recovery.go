package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/bank-gateway/internal/apierror"
)

// Recovery returns middleware that recovers from panics, logs the stack
// trace and answers 500 with the gateway error body.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if e, ok := err.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					// net/http uses this panic to abort a response on purpose.
					panic(err)
				}
				logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.Write(w, http.StatusInternalServerError, apierror.InternalError,
					apierror.GatewayErrorBody("an unexpected error occurred"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
