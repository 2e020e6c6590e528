package httpapi

import (
	"net/http"
	"strings"
	"time"

	"cdb.platformcommons.org/internal/audit"
	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

type userView struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Enabled   bool       `json:"enabled"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func toUserView(u *auth.User) userView {
	return userView{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Enabled:   u.Enabled,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
	}
}

type resetPasswordRequest struct {
	Key         string `json:"key"`
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.deps.Registrar.RegisterUser(r.Context(), req)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.RecordOTP("consumed")
	_ = audit.LogEvent(r.Context(), audit.EventRegister, map[string]any{
		"user_id":       user.ID,
		"provider_code": strings.TrimSpace(req.ProviderCode),
	})
	writeJSON(w, http.StatusOK, toUserView(user))
}

// handleUserExists accepts email, or username for older clients that sent
// the login under that name.
func (a *API) handleUserExists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	if email == "" {
		email = strings.TrimSpace(q.Get("username"))
	}
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}
	exists, err := a.deps.Registrar.UserExists(r.Context(), email)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exists)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Registrar.ResetPassword(r.Context(), req.Key, req.Email, req.OTP, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.RecordOTP("consumed")
	_ = audit.LogEvent(r.Context(), audit.EventPasswordReset, map[string]any{
		"email": auth.NormalizeEmail(req.Email),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
