package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

const (
	msgInvalidLogin   = "Invalid email or password"
	msgLoginFailed    = "Authentication failed"
	msgMissingBearer  = "Missing Bearer token"
	msgInvalidToken   = "Invalid or expired token"
	msgInternal       = "internal error"
	challengeBearer   = "Bearer"
	challengeInvalid  = `Bearer error="invalid_token"`
	challengeScope    = `Bearer error="insufficient_scope"`
	contentTypeJSON   = "application/json; charset=utf-8"
	contentTypeText   = "text/plain; charset=utf-8"
	defaultMaxBodyLen = 1 << 20
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := auth.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// unauthorized writes a 401 carrying a bearer challenge and a plain-text body.
func unauthorized(w http.ResponseWriter, challenge, msg string) {
	w.Header().Set("WWW-Authenticate", challenge)
	writeText(w, http.StatusUnauthorized, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, defaultMaxBodyLen)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeAuthError maps service errors onto status codes.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", challengeInvalid)
		writeError(w, r, http.StatusUnauthorized, msgInvalidToken)
	case errors.Is(err, auth.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", challengeBearer)
		writeError(w, r, http.StatusUnauthorized, msgInvalidLogin)
	case errors.Is(err, auth.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, errorDetail(err, auth.ErrInvalidArgument))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, errorDetail(err, auth.ErrNotFound))
	case errors.Is(err, auth.ErrInvalidState):
		writeError(w, r, http.StatusConflict, errorDetail(err, auth.ErrInvalidState))
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, errorDetail(err, auth.ErrConflict))
	case errors.Is(err, auth.ErrSigningUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "token signing unavailable")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", auth.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err)
		writeError(w, r, http.StatusInternalServerError, msgInternal)
	}
}

// errorDetail strips the sentinel prefix so clients see "providerCode is
// required" rather than "auth: invalid argument: providerCode is required".
func errorDetail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error()
	if i := strings.Index(msg, prefix); i >= 0 {
		rest := strings.TrimPrefix(msg[i+len(prefix):], ":")
		if rest = strings.TrimSpace(rest); rest != "" {
			return rest
		}
	}
	return strings.TrimPrefix(prefix, "auth: ")
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(challengeBearer)+1 || !strings.EqualFold(header[:len(challengeBearer)+1], challengeBearer+" ") {
		return "", false
	}
	token := strings.TrimSpace(header[len(challengeBearer)+1:])
	return token, token != ""
}
