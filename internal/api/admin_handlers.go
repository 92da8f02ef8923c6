package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/better-wallet/provider-bridge/internal/approval"
	"github.com/better-wallet/provider-bridge/internal/logger"
	"github.com/better-wallet/provider-bridge/internal/validation"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
)

// ResolveApprovalRequest represents the request to answer a prompt
type ResolveApprovalRequest struct {
	Approved bool     `json:"approved"`
	Accounts []string `json:"accounts,omitempty"`
}

// handlePermissions handles GET and DELETE on /v1/permissions
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPermissions(w, r)
	case http.MethodDelete:
		s.revokePermission(w, r)
	default:
		s.writeError(w, apperrors.ErrMethodNotAllowed)
	}
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	grants, err := s.grants.List(r.Context())
	if err != nil {
		logger.Error(r.Context(), "failed to list permission grants", "error", err)
		s.writeError(w, apperrors.ErrInternalError)
		return
	}
	if grants == nil {
		grants = []*types.PermissionGrant{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": grants})
}

// revokePermission revokes ?origin=. Stored origins are normalized, but a
// value that no longer parses is still accepted verbatim so legacy records
// can be cleaned up.
func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("origin"))
	if raw == "" {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Missing origin",
			"Provide ?origin=<scheme://host[:port]>",
			http.StatusBadRequest,
		))
		return
	}

	origin := raw
	if normalized, err := types.NormalizeOrigin(raw); err == nil {
		origin = normalized
	}

	ctx := logger.WithOrigin(r.Context(), origin)
	if err := s.sessions.Revoke(ctx, origin); err != nil {
		logger.Error(ctx, "failed to revoke origin", "error", err)
		s.writeError(w, apperrors.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSessions lists connected origins and connection requests in flight
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, apperrors.ErrMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"data":    s.sessions.Sessions(),
		"pending": s.sessions.Pending(),
	})
}

// handleApprovals lists prompts waiting on the user
func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, apperrors.ErrMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": s.approvals.Pending()})
}

// handleApprovalOperations handles POST /v1/approvals/{id}
func (s *Server) handleApprovalOperations(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/approvals/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, apperrors.ErrNotFound)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, apperrors.ErrMethodNotAllowed)
		return
	}

	var req ResolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	decision := approval.Decision{Approved: req.Approved}
	if req.Approved {
		accounts, err := validation.NormalizeAccounts(req.Accounts)
		if err != nil {
			s.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeBadRequest,
				"Invalid accounts",
				err.Error(),
				http.StatusBadRequest,
			))
			return
		}
		decision.Accounts = accounts
	}

	if err := s.approvals.Resolve(id, decision); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			s.writeError(w, appErr)
			return
		}
		logger.Error(r.Context(), "failed to resolve approval", "approval_id", id, "error", err)
		s.writeError(w, apperrors.ErrInternalError)
		return
	}

	logger.Info(r.Context(), "approval resolved", "approval_id", id, "approved", decision.Approved)
	w.WriteHeader(http.StatusNoContent)
}
