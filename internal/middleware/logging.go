package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/provider-bridge/internal/logger"
)

// AccessLog logs one line per request once it completes. WebSocket
// connections are logged when they close.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := NewStatusRecorder(w)

		logger.Debug(r.Context(), "request headers", "headers", RedactHeaders(r.Header))
		next.ServeHTTP(rec, r)

		logger.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"hijacked", rec.Hijacked(),
			"duration_ms", time.Since(started).Milliseconds(),
			"client_ip", clientIP(r),
		)
	})
}
