package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"cdb.platformcommons.org/internal/audit"
	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/ids"
	"cdb.platformcommons.org/internal/obs"
)

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := authorizeRequest{
		ClientID:            strings.TrimSpace(q.Get("client_id")),
		RedirectURI:         strings.TrimSpace(q.Get("redirect_uri")),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		a.errorPage(w, r, "invalid_request", "client_id and redirect_uri are required")
		return
	}
	client, err := a.deps.OAuth2.ValidateClient(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidArgument) {
			// the redirect target is untrusted, so the error stays on this server
			a.errorPage(w, r, "invalid_client", errorDetail(err, auth.ErrInvalidArgument))
			return
		}
		a.log.ErrorContext(r.Context(), "validate client failed", "client_id", req.ClientID, "error", err)
		a.errorPage(w, r, "server_error", "")
		return
	}
	if req.ResponseType != "code" {
		a.redirectToClient(w, r, req, "unsupported_response_type", "")
		return
	}
	if client.RequirePKCE && req.CodeChallenge == "" {
		a.redirectToClient(w, r, req, "invalid_request", "code_challenge is required")
		return
	}
	if m := req.CodeChallengeMethod; m != "" && m != auth.PKCEMethodS256 && m != auth.PKCEMethodPlain {
		a.redirectToClient(w, r, req, "invalid_request", "unsupported code_challenge_method")
		return
	}

	sid, sess, ok := a.session(w, r, true)
	if !ok {
		a.errorPage(w, r, "server_error", "")
		return
	}
	a.sessions.update(sid, func(s *session) { s.Request = &req })
	if sess.Email == "" {
		a.renderLogin(w, r, http.StatusOK, sess, client, "")
		return
	}
	a.proceed(w, r, sid, sess, client, req)
}

// proceed shows the consent page when the client asks for it, otherwise it
// issues the code straight away.
func (a *API) proceed(w http.ResponseWriter, r *http.Request, sid string, sess session, client *auth.OAuthClient, req authorizeRequest) {
	if client.RequireConsent {
		a.pages.render(w, r, http.StatusOK, "consent", pageData{
			Title:  "Authorize " + client.Name,
			CSRF:   sess.CSRF,
			Client: client,
			Scopes: strings.Fields(req.Scope),
		})
		return
	}
	a.issueCode(w, r, sid, sess.Email, req)
}

func (a *API) issueCode(w http.ResponseWriter, r *http.Request, sid, email string, req authorizeRequest) {
	code, err := a.deps.OAuth2.GenerateAuthorizationCode(r.Context(), auth.AuthorizationRequest{
		ClientID:            req.ClientID,
		Email:               email,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	a.sessions.update(sid, func(s *session) {
		s.Request = nil
		s.Email = ""
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidArgument) || errors.Is(err, auth.ErrNotFound) {
			a.redirectToClient(w, r, req, "invalid_request", errorDetail(err, auth.ErrInvalidArgument))
			return
		}
		a.log.ErrorContext(r.Context(), "issue authorization code failed", "client_id", req.ClientID, "error", err)
		a.redirectToClient(w, r, req, "server_error", "")
		return
	}
	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	http.Redirect(w, r, withQuery(req.RedirectURI, params), http.StatusFound)
}

func (a *API) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	sid, sess, ok := a.session(w, r, false)
	if !ok || sess.Request == nil {
		a.errorPage(w, r, "invalid_request", "authorization session expired, start again from the application")
		return
	}
	if !validCSRF(sess, r.PostFormValue("csrf")) {
		a.errorPage(w, r, "invalid_request", "invalid form token")
		return
	}
	req := *sess.Request
	client, err := a.deps.OAuth2.ValidateClient(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		a.errorPage(w, r, "invalid_client", errorDetail(err, auth.ErrInvalidArgument))
		return
	}
	if ok, _ := a.logins.allow(clientIP(r)); !ok {
		obs.RecordLogin("throttled")
		a.renderLogin(w, r, http.StatusTooManyRequests, sess, client, "Too many attempts, try again later")
		return
	}

	email := auth.NormalizeEmail(r.PostFormValue("email"))
	if !a.deps.OAuth2.Authenticate(r.Context(), email, r.PostFormValue("password")) {
		obs.RecordLogin("failure")
		sess.Email = email
		a.renderLogin(w, r, http.StatusUnauthorized, sess, client, "Invalid credentials")
		return
	}
	obs.RecordLogin("success")

	newID, rotated, ok := a.sessions.rotate(sid)
	if !ok {
		a.errorPage(w, r, "invalid_request", "authorization session expired, start again from the application")
		return
	}
	a.setSessionCookie(w, newID)
	a.sessions.update(newID, func(s *session) { s.Email = email })
	rotated.Email = email
	a.proceed(w, r, newID, rotated, client, req)
}

func (a *API) handleConsent(w http.ResponseWriter, r *http.Request) {
	sid, sess, ok := a.session(w, r, false)
	if !ok || sess.Request == nil || sess.Email == "" {
		a.errorPage(w, r, "invalid_request", "authorization session expired, start again from the application")
		return
	}
	if !validCSRF(sess, r.PostFormValue("csrf")) {
		a.errorPage(w, r, "invalid_request", "invalid form token")
		return
	}
	req := *sess.Request
	if r.PostFormValue("approve") != "true" {
		a.sessions.update(sid, func(s *session) { s.Request = nil })
		a.redirectToClient(w, r, req, "access_denied", "")
		return
	}
	a.issueCode(w, r, sid, sess.Email, req)
}

func (a *API) handleSignupPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.pages.render(w, r, http.StatusOK, "signup", pageData{
		Title:       "Create account",
		ClientID:    q.Get("client_id"),
		RedirectURI: q.Get("redirect_uri"),
		State:       q.Get("state"),
	})
}

// handleSignup runs in two steps: the first posts name and email and sends a
// passcode, the second posts the passcode with the password.
func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Title:       "Create account",
		ClientID:    r.PostFormValue("client_id"),
		RedirectURI: r.PostFormValue("redirect_uri"),
		State:       r.PostFormValue("state"),
		Username:    strings.TrimSpace(r.PostFormValue("username")),
		Email:       auth.NormalizeEmail(r.PostFormValue("email")),
		OTPKey:      r.PostFormValue("otpKey"),
	}
	if data.OTPKey == "" {
		if data.Username == "" || data.Email == "" {
			data.Error = "Name and email are required"
			a.pages.render(w, r, http.StatusBadRequest, "signup", data)
			return
		}
		key, err := a.deps.OTP.Initiate(r.Context(), data.Email)
		if err != nil {
			a.log.ErrorContext(r.Context(), "signup otp failed", "error", err)
			data.Error = "Could not send a verification code"
			a.pages.render(w, r, http.StatusBadRequest, "signup", data)
			return
		}
		obs.RecordOTP("initiated")
		data.OTPKey = key
		data.Message = "Enter the code we sent to your email"
		a.pages.render(w, r, http.StatusOK, "signup", data)
		return
	}

	user, err := a.deps.Registrar.RegisterUser(r.Context(), auth.RegistrationRequest{
		Username: data.Username,
		Email:    data.Email,
		Password: r.PostFormValue("password"),
		OTPKey:   data.OTPKey,
		OTP:      r.PostFormValue("otp"),
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidArgument), errors.Is(err, auth.ErrInvalidState):
			data.Error = "Registration failed: check the code and try again"
		default:
			a.log.ErrorContext(r.Context(), "signup failed", "error", err)
			data.Error = "Registration failed"
		}
		data.OTPKey = ""
		a.pages.render(w, r, http.StatusBadRequest, "signup", data)
		return
	}
	obs.RecordOTP("consumed")
	_ = audit.LogEvent(r.Context(), audit.EventRegister, map[string]any{"user_id": user.ID, "flow": "oauth2"})

	if _, sess, ok := a.session(w, r, false); ok && sess.Request != nil {
		client, err := a.deps.OAuth2.ValidateClient(r.Context(), sess.Request.ClientID, sess.Request.RedirectURI)
		if err == nil {
			sess.Email = user.Email
			a.renderLoginMessage(w, r, sess, client, "Account created, sign in to continue")
			return
		}
	}
	data.Done = true
	data.Message = "Account created, you can now sign in"
	a.pages.render(w, r, http.StatusOK, "signup", data)
}

func (a *API) handleForgotPage(w http.ResponseWriter, r *http.Request) {
	a.pages.render(w, r, http.StatusOK, "forgot", pageData{Title: "Reset password"})
}

// handleForgotPassword sends a passcode, then resets the password once the
// passcode comes back. The first step answers the same way for unknown emails.
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Title:  "Reset password",
		Email:  auth.NormalizeEmail(r.PostFormValue("email")),
		OTPKey: r.PostFormValue("otpKey"),
	}
	if data.Email == "" {
		data.Error = "Email is required"
		a.pages.render(w, r, http.StatusBadRequest, "forgot", data)
		return
	}
	if data.OTPKey == "" {
		key, err := a.passwordResetKey(r, data.Email)
		if err != nil {
			a.log.ErrorContext(r.Context(), "password reset otp failed", "error", err)
			data.Error = "Could not send a verification code"
			a.pages.render(w, r, http.StatusInternalServerError, "forgot", data)
			return
		}
		data.OTPKey = key
		data.Message = "If an account exists for this email, a code has been sent"
		a.pages.render(w, r, http.StatusOK, "forgot", data)
		return
	}

	err := a.deps.Registrar.ResetPassword(r.Context(), data.OTPKey, data.Email, r.PostFormValue("otp"), r.PostFormValue("password"))
	if err != nil {
		if !errors.Is(err, auth.ErrNotFound) && !errors.Is(err, auth.ErrInvalidArgument) && !errors.Is(err, auth.ErrInvalidState) {
			a.log.ErrorContext(r.Context(), "password reset failed", "error", err)
		}
		data.Error = "Invalid or expired code"
		data.OTPKey = ""
		a.pages.render(w, r, http.StatusBadRequest, "forgot", data)
		return
	}
	obs.RecordOTP("consumed")
	_ = audit.LogEvent(r.Context(), audit.EventPasswordReset, map[string]any{"flow": "oauth2"})
	data.Done = true
	data.Message = "Password updated, you can now sign in"
	a.pages.render(w, r, http.StatusOK, "forgot", data)
}

func (a *API) passwordResetKey(r *http.Request, email string) (string, error) {
	exists, err := a.deps.Registrar.UserExists(r.Context(), email)
	if err != nil {
		return "", err
	}
	if !exists {
		return ids.Random(16)
	}
	key, err := a.deps.OTP.Initiate(r.Context(), email)
	if err == nil {
		obs.RecordOTP("initiated")
	}
	return key, err
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, tokenErrorResponse{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}
	form := r.PostForm
	if form.Get("grant_type") != auth.GrantAuthorizationCode {
		writeJSON(w, http.StatusBadRequest, tokenErrorResponse{Error: "unsupported_grant_type"})
		return
	}
	clientID, secret := form.Get("client_id"), form.Get("client_secret")
	if id, sec, ok := r.BasicAuth(); ok {
		if clientID != "" && clientID != id {
			writeJSON(w, http.StatusBadRequest, tokenErrorResponse{Error: "invalid_request", ErrorDescription: "client_id mismatch"})
			return
		}
		clientID, secret = id, sec
	}
	code, verifier := form.Get("code"), form.Get("code_verifier")
	if clientID == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, tokenErrorResponse{Error: "invalid_request", ErrorDescription: "client_id and code are required"})
		return
	}

	switch {
	case secret != "":
		if err := a.deps.OAuth2.AuthenticateClient(r.Context(), clientID, secret); err != nil {
			obs.RecordCodeExchange("invalid_client")
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
			writeJSON(w, http.StatusUnauthorized, tokenErrorResponse{Error: "invalid_client"})
			return
		}
	case verifier == "":
		obs.RecordCodeExchange("invalid_client")
		writeJSON(w, http.StatusUnauthorized, tokenErrorResponse{Error: "invalid_client", ErrorDescription: "client_secret or code_verifier is required"})
		return
	}

	exchange := a.deps.OAuth2.ExchangeCodeForToken
	if secret == "" {
		exchange = a.deps.OAuth2.ExchangePublicClientCode
	}
	resp, err := exchange(r.Context(), code, clientID, verifier, form.Get("redirect_uri"))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.RecordCodeExchange("invalid_client")
			writeJSON(w, http.StatusUnauthorized, tokenErrorResponse{Error: "invalid_client", ErrorDescription: "client authentication required"})
			return
		}
		if errors.Is(err, auth.ErrInvalidArgument) || errors.Is(err, auth.ErrNotFound) {
			obs.RecordCodeExchange("invalid_grant")
			writeJSON(w, http.StatusBadRequest, tokenErrorResponse{Error: "invalid_grant", ErrorDescription: errorDetail(err, auth.ErrInvalidArgument)})
			return
		}
		obs.RecordCodeExchange("error")
		a.log.ErrorContext(r.Context(), "code exchange failed", "client_id", clientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, tokenErrorResponse{Error: "server_error"})
		return
	}
	obs.RecordCodeExchange("success")
	obs.RecordTokenIssued("oauth2")
	_ = audit.LogEvent(r.Context(), audit.EventCodeExchange, map[string]any{"client_id": clientID})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOAuthError(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("error")
	if code == "" {
		code = "invalid_request"
	}
	a.pages.render(w, r, http.StatusBadRequest, "error", pageData{
		Title:       "Authorization failed",
		ErrorCode:   code,
		Description: q.Get("error_description"),
	})
}

func (a *API) errorPage(w http.ResponseWriter, r *http.Request, code, description string) {
	a.pages.render(w, r, http.StatusBadRequest, "error", pageData{
		Title:       "Authorization failed",
		ErrorCode:   code,
		Description: description,
	})
}

func (a *API) renderLogin(w http.ResponseWriter, r *http.Request, status int, sess session, client *auth.OAuthClient, errMsg string) {
	a.pages.render(w, r, status, "login", loginData(sess, client, errMsg, ""))
}

func (a *API) renderLoginMessage(w http.ResponseWriter, r *http.Request, sess session, client *auth.OAuthClient, msg string) {
	a.pages.render(w, r, http.StatusOK, "login", loginData(sess, client, "", msg))
}

func loginData(sess session, client *auth.OAuthClient, errMsg, msg string) pageData {
	data := pageData{
		Title:   "Sign in",
		Error:   errMsg,
		Message: msg,
		CSRF:    sess.CSRF,
		Client:  client,
		Email:   sess.Email,
	}
	if sess.Request != nil {
		data.Query = "?" + url.Values{
			"client_id":    {sess.Request.ClientID},
			"redirect_uri": {sess.Request.RedirectURI},
			"state":        {sess.Request.State},
		}.Encode()
	}
	return data
}

// redirectToClient reports an authorization error to a redirect URI that has
// already been validated against the client registration.
func (a *API) redirectToClient(w http.ResponseWriter, r *http.Request, req authorizeRequest, code, description string) {
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	http.Redirect(w, r, withQuery(req.RedirectURI, params), http.StatusFound)
}

func withQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
