package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
)

// constantTimeEqual compares two strings using constant-time comparison
// to prevent timing attacks.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Login handles POST /auth/login. Devices authenticate with the shared
// provisioning key; a successful login creates a revocable session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.SubjectID == "" || req.DeviceID == "" {
		WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, "subject_id and device_id are required")
		return
	}

	if !constantTimeEqual(req.DeviceKey, h.deviceKey) {
		slog.Warn("login failure",
			"component", "api",
			"action", "login_denied",
			"subject_id", req.SubjectID,
			"device_id", req.DeviceID,
			"remote_ip", r.RemoteAddr,
		)
		WriteError(w, r, http.StatusUnauthorized, CodeAuthFailed, "Invalid device credentials")
		return
	}

	creds, err := h.authority.Issue(r.Context(), req.SubjectID, req.DeviceID, r.RemoteAddr, r.UserAgent())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	slog.Info("session issued",
		"component", "api",
		"action", "login",
		"subject_id", req.SubjectID,
		"device_id", req.DeviceID,
		"session_id", creds.SessionID,
	)

	WriteSuccess(w, r, http.StatusOK, types.LoginResponse{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		SessionID:    creds.SessionID,
		AccessTTL:    int64(creds.AccessTTL / time.Second),
	})
}

// RefreshToken handles POST /auth/refresh.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req types.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, "refresh_token is required")
		return
	}

	access, ttl, err := h.authority.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, types.RefreshResponse{
		AccessToken: access,
		AccessTTL:   int64(ttl / time.Second),
	})
}

// Logout handles POST /auth/logout. The bearer session is terminated;
// all tokens bound to it stop validating.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := MustClaimsFromContext(r.Context())

	if err := h.authority.Terminate(r.Context(), claims.SessionID, types.ReasonLogout); err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, map[string]any{"terminated": claims.SessionID})
}

// Verify handles GET /auth/verify: echoes the validated claims and the
// subject's active sessions.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	claims := MustClaimsFromContext(r.Context())

	sessions, err := h.authority.List(r.Context(), claims.SubjectID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, map[string]any{
		"subject_id": claims.SubjectID,
		"device_id":  claims.DeviceID,
		"session_id": claims.SessionID,
		"expires_at": claims.ExpiresAt,
		"sessions":   sessions,
	})
}
