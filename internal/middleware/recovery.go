package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/apexgate/apexgate/internal/observability"
)

// Recovery catches panics from the handlers below it, logs them with
// the request id and stack, and answers 500. The dispatcher boundary
// never lets an internal error escape as a broken connection.
func Recovery(logger observability.Logger, metrics *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						observability.String("method", r.Method),
						observability.String("path", r.URL.Path),
						observability.String("request_id", observability.RequestIDFromContext(r.Context())),
						observability.Any("error", err),
						observability.String("stack", string(debug.Stack())))

					if metrics != nil {
						metrics.RecordPanicRecovered()
					}

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = io.WriteString(w, `{"error":"internal server error"}`)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
