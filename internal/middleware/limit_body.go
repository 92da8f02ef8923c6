package middleware

import (
	"net/http"
)

// MaxAdminBodySize caps admin request bodies; approval decisions are tiny
const MaxAdminBodySize = 64 << 10

// LimitBody caps request bodies at max bytes
func LimitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
