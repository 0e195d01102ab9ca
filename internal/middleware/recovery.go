package middleware

import (
	"net/http"
	"runtime/debug"

	"offline-gateway/pkg/logging"

	"go.uber.org/zap"
)

// Recoverer turns a panic into a JSON 500 and logs the stack.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.L(r.Context()).Error("panic recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				WriteError(w, http.StatusInternalServerError, "internal_server_error", nil)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
