package httpapi

import (
	"net/http"
	"strings"

	"cdb.platformcommons.org/internal/obs"
)

type otpInitiateRequest struct {
	Email string `json:"email"`
}

type otpInitiateResponse struct {
	Key string `json:"key"`
}

type otpVerifyRequest struct {
	Key   string `json:"key"`
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type existingOTPResponse struct {
	Key                  string `json:"key"`
	OTP                  string `json:"otp"`
	ExpiresAtEpochMillis int64  `json:"expiresAtEpochMillis"`
}

func (a *API) handleOTPInitiate(w http.ResponseWriter, r *http.Request) {
	var req otpInitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := a.deps.OTP.Initiate(r.Context(), req.Email)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.RecordOTP("initiated")
	writeJSON(w, http.StatusOK, otpInitiateResponse{Key: key})
}

func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := a.deps.OTP.Verify(r.Context(), req.Key, req.Email, req.OTP)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if ok {
		obs.RecordOTP("verified")
	} else {
		obs.RecordOTP("rejected")
	}
	writeJSON(w, http.StatusOK, ok)
}

func (a *API) handleOTPExisting(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}
	p, ok, err := a.deps.OTP.ExistingPendingByEmail(r.Context(), email)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "no pending otp")
		return
	}
	writeJSON(w, http.StatusOK, existingOTPResponse{
		Key:                  p.Key,
		OTP:                  p.Code,
		ExpiresAtEpochMillis: p.ExpiresAt.UnixMilli(),
	})
}
