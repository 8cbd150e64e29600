package middleware

import (
	"net/http"
	"time"

	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/util"
)

// AccessLog logs one line per request after it completes, carrying the
// fields the dispatcher stored in the request context along the way.
func AccessLog(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r = r.WithContext(util.ContextWithStartTime(r.Context(), start))

			rec := util.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			ctx := r.Context()
			logger.Info("request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rec.StatusCode),
				observability.Int("size", rec.BytesWritten),
				observability.Duration("duration", time.Since(start)),
				observability.String("client_ip", ClientIP(r)),
				observability.String("user_agent", r.UserAgent()),
				observability.String("request_id", observability.RequestIDFromContext(ctx)),
				observability.String("route", util.RouteFromContext(ctx)),
				observability.String("version", util.VersionFromContext(ctx)),
				observability.String("user_id", util.UserIDFromContext(ctx)))
		})
	}
}
