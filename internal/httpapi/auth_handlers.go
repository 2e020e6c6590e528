package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cdb.platformcommons.org/internal/audit"
	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfaCode,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type contextRequest struct {
	ProviderCode string `json:"providerCode"`
}

type meResponse struct {
	Subject      string               `json:"subject"`
	UserID       *int64               `json:"userId,omitempty"`
	ProviderCode string               `json:"providerCode,omitempty"`
	Grants       []string             `json:"grants"`
	Context      auth.SecurityContext `json:"ctx"`
	ClientID     string               `json:"clientId,omitempty"`
	Scope        string               `json:"scope,omitempty"`
	ExpiresAt    time.Time            `json:"expiresAt"`
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(n))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if ok, wait := a.logins.allow(clientIP(r)); !ok {
		obs.RecordLogin("throttled")
		tooManyRequests(w, r, wait)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.deps.Auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrInvalidCredentials):
			obs.RecordLogin("failure")
			unauthorized(w, challengeBearer, msgInvalidLogin)
		case errors.Is(err, auth.ErrInvalidState):
			obs.RecordLogin("disabled")
			unauthorized(w, challengeBearer, msgLoginFailed)
		default:
			obs.RecordLogin("error")
			writeAuthError(w, r, err)
		}
		return
	}
	obs.RecordLogin("success")
	obs.RecordTokenIssued("login")
	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
		"email": auth.NormalizeEmail(req.Email),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}
	resp, err := a.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.RecordTokenIssued("refresh")
	_ = audit.LogEvent(r.Context(), audit.EventRefresh, nil)
	writeJSON(w, http.StatusOK, resp)
}

// tokenParam reads the token from the query, falling back to the bearer header.
func tokenParam(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return auth.StripBearer(t)
	}
	t, _ := bearerToken(r.Header.Get("Authorization"))
	return t
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)
	writeJSON(w, http.StatusOK, token != "" && a.deps.Auth.ValidateToken(r.Context(), token))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	if err := a.deps.Auth.Logout(r.Context(), token); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleExecutiveContext(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, challengeBearer, msgMissingBearer)
		return
	}
	var req contextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.deps.Auth.IssueExecutiveContextToken(r.Context(), p.Token, req.ProviderCode)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			unauthorized(w, challengeInvalid, msgInvalidToken)
			return
		}
		writeAuthError(w, r, err)
		return
	}
	obs.RecordTokenIssued("executive")
	_ = audit.LogEvent(r.Context(), audit.EventExecutiveContext, map[string]any{
		"provider_code": strings.TrimSpace(req.ProviderCode),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMyProviders(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, challengeBearer, msgMissingBearer)
		return
	}
	providers, err := a.deps.Auth.MyProviders(r.Context(), p.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrNotFound) {
			unauthorized(w, challengeInvalid, msgInvalidToken)
			return
		}
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, challengeBearer, msgMissingBearer)
		return
	}
	resp := meResponse{
		Subject:      p.Subject,
		ProviderCode: p.ProviderCode(),
		Grants:       p.Grants,
		Context:      p.Context,
		ClientID:     p.ClientID,
		Scope:        p.Scope,
		ExpiresAt:    p.ExpiresAt,
	}
	if id, ok := p.UserID(); ok {
		resp.UserID = &id
	}
	if resp.Grants == nil {
		resp.Grants = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}
