package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/bank-gateway/internal/apierror"
)

// Deadline returns middleware that bounds the whole chain below it. When
// the deadline fires before the handler has started its response, the
// client gets 504 and anything the handler writes afterwards is dropped.
// Cancelling the context also aborts the backend call in flight. Pass 0 to
// disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			dw := &deadlineWriter{w: w, h: make(http.Header)}
			done := make(chan struct{})
			panicCh := make(chan any, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicCh <- p
					}
					close(done)
				}()
				next.ServeHTTP(dw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if dw.timeout() {
					apierror.WriteJSON(w, http.StatusGatewayTimeout, apierror.DeadlineExceeded,
						"global request deadline exceeded")
				}
				<-done
			}
			select {
			case p := <-panicCh:
				// Re-raise on the serving goroutine so Recovery sees it.
				panic(p)
			default:
			}
		})
	}
}

// deadlineWriter hands the handler a private header map and forwards
// writes to the real writer until the deadline claims it.
type deadlineWriter struct {
	w http.ResponseWriter
	h http.Header

	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (dw *deadlineWriter) Header() http.Header { return dw.h }

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.writeHeaderLocked(code)
}

func (dw *deadlineWriter) writeHeaderLocked(code int) {
	if dw.timedOut || dw.wroteHeader {
		return
	}
	dw.wroteHeader = true
	dst := dw.w.Header()
	for k, vs := range dw.h {
		dst[k] = vs
	}
	dw.w.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	dw.writeHeaderLocked(http.StatusOK)
	return dw.w.Write(b)
}

// timeout claims the response for the deadline. It returns false when the
// handler already started writing.
func (dw *deadlineWriter) timeout() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.wroteHeader {
		return false
	}
	dw.timedOut = true
	return true
}
