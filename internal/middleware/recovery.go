package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/example/gpugate/internal/errors"
	"github.com/example/gpugate/internal/logging"
	"go.uber.org/zap"
)

// Recovery creates a panic recovery middleware. Panics are logged with the
// stack and answered with a 500.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()),
					)

					gwErr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", err))
					if reqID := w.Header().Get(RequestIDHeader); reqID != "" {
						gwErr = gwErr.WithRequestID(reqID)
					}
					gwErr.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
