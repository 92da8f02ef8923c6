package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/better-wallet/provider-bridge/internal/logger"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the administration surface with a single bearer token,
// checked against its bcrypt hash.
type AdminAuth struct {
	tokenHash []byte
}

// NewAdminAuth creates the admin middleware. An empty hash rejects every
// request.
func NewAdminAuth(tokenHash string) *AdminAuth {
	return &AdminAuth{tokenHash: []byte(tokenHash)}
}

// Authenticate requires Authorization: Bearer <admin token>
func (m *AdminAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Missing admin credentials",
				"Provide Authorization: Bearer <token>",
				http.StatusUnauthorized,
			))
			return
		}

		if len(m.tokenHash) == 0 || bcrypt.CompareHashAndPassword(m.tokenHash, []byte(strings.TrimSpace(token))) != nil {
			logger.Warn(r.Context(), "admin authentication failed", "client_ip", clientIP(r))
			writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Invalid admin credentials",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		// Reduce risk of accidental leakage in downstream logs.
		StripCredentialHeaders(r.Header)
		next.ServeHTTP(w, r)
	})
}

// writeError writes an error response
func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}
