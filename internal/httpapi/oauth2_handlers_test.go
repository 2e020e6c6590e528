package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"cdb.platformcommons.org/internal/auth"
)

var csrfPattern = regexp.MustCompile(`name="csrf" value="([^"]+)"`)

type browser struct {
	t      *testing.T
	api    *apiClient
	client *http.Client
}

func newBrowser(t *testing.T, api *apiClient) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &browser{t: t, api: api, client: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (b *browser) get(path string, params url.Values) (*http.Response, string) {
	b.t.Helper()
	u := b.api.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	resp, err := b.client.Get(u)
	if err != nil {
		b.t.Fatalf("get %s: %v", path, err)
	}
	return resp, readBody(b.t, resp)
}

func (b *browser) postForm(path string, form url.Values) (*http.Response, string) {
	b.t.Helper()
	resp, err := b.client.PostForm(b.api.baseURL+path, form)
	if err != nil {
		b.t.Fatalf("post %s: %v", path, err)
	}
	return resp, readBody(b.t, resp)
}

func csrfFrom(t *testing.T, page string) string {
	t.Helper()
	m := csrfPattern.FindStringSubmatch(page)
	if m == nil {
		t.Fatalf("no csrf field in page: %s", page)
	}
	return m[1]
}

func registerClient(t *testing.T, api *apiClient, requireConsent bool) auth.RegisteredClient {
	t.Helper()
	reg, err := api.dir.CreateClient(context.Background(), auth.ClientRegistration{
		Name:           "Portal",
		RedirectURIs:   []string{"https://portal.example.org/cb"},
		RequireConsent: &requireConsent,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return reg
}

func pkcePair() (string, string) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestOAuth2AuthorizationCodeFlow(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("dana@example.org", "pa55word")
	reg := registerClient(t, api, true)
	verifier, challenge := pkcePair()
	b := newBrowser(t, api)

	resp, page := b.get("/oauth2/authorize", url.Values{
		"client_id":             {reg.Client.ClientID},
		"redirect_uri":          {"https://portal.example.org/cb"},
		"response_type":         {"code"},
		"scope":                 {"read profile"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})
	if resp.StatusCode != http.StatusOK || !strings.Contains(page, "Sign in to Portal") {
		t.Fatalf("expected login page, got %d: %s", resp.StatusCode, page)
	}

	resp, page = b.postForm("/oauth2/login", url.Values{
		"csrf": {csrfFrom(t, page)}, "email": {"dana@example.org"}, "password": {"wrong"},
	})
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(page, "Invalid credentials") {
		t.Fatalf("expected login error, got %d", resp.StatusCode)
	}

	resp, page = b.postForm("/oauth2/login", url.Values{
		"csrf": {csrfFrom(t, page)}, "email": {"dana@example.org"}, "password": {"pa55word"},
	})
	if resp.StatusCode != http.StatusOK || !strings.Contains(page, "wants to access your account") {
		t.Fatalf("expected consent page, got %d: %s", resp.StatusCode, page)
	}
	if !strings.Contains(page, "<li>profile</li>") {
		t.Fatalf("expected scopes listed: %s", page)
	}

	resp, _ = b.postForm("/oauth2/consent", url.Values{"csrf": {csrfFrom(t, page)}, "approve": {"true"}})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "portal.example.org" || loc.Query().Get("state") != "xyz" {
		t.Fatalf("unexpected redirect: %s", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("expected code in redirect: %s", loc)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {reg.Client.ClientID},
		"code":          {code},
		"redirect_uri":  {"https://portal.example.org/cb"},
		"code_verifier": {verifier},
	}
	resp, err = api.client.PostForm(api.baseURL+"/oauth2/token", form)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("token response must not be cached")
	}
	tok := decode[auth.TokenResponse](t, resp)
	claims, err := api.codec.ParseClaims(tok.AccessToken)
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	if claims.ClientID != reg.Client.ClientID || claims.Scope != "read profile" || claims.Subject != "dana@example.org" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	resp, err = api.client.PostForm(api.baseURL+"/oauth2/token", form)
	if err != nil {
		t.Fatalf("token replay: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected replay rejection, got %d", resp.StatusCode)
	}
	if e := decode[tokenErrorResponse](t, resp); e.Error != "invalid_grant" {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestOAuth2ConsentDenied(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("dana@example.org", "pa55word")
	reg := registerClient(t, api, true)
	_, challenge := pkcePair()
	b := newBrowser(t, api)

	_, page := b.get("/oauth2/authorize", url.Values{
		"client_id": {reg.Client.ClientID}, "redirect_uri": {"https://portal.example.org/cb"},
		"response_type": {"code"}, "state": {"s1"}, "code_challenge": {challenge},
	})
	_, page = b.postForm("/oauth2/login", url.Values{
		"csrf": {csrfFrom(t, page)}, "email": {"dana@example.org"}, "password": {"pa55word"},
	})
	resp, _ := b.postForm("/oauth2/consent", url.Values{"csrf": {csrfFrom(t, page)}, "approve": {"false"}})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "access_denied" || loc.Query().Get("state") != "s1" || loc.Query().Get("code") != "" {
		t.Fatalf("unexpected redirect: %s", loc)
	}
}

func TestOAuth2AuthorizeRejectsBadRequests(t *testing.T) {
	api := newTestAPI(t)
	reg := registerClient(t, api, false)
	b := newBrowser(t, api)

	resp, page := b.get("/oauth2/authorize", url.Values{
		"client_id": {reg.Client.ClientID}, "redirect_uri": {"https://evil.example.org/cb"}, "response_type": {"code"},
	})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(page, "invalid_client") {
		t.Fatalf("expected error page for unregistered redirect, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "" {
		t.Fatalf("must not redirect to an unregistered uri")
	}

	resp, _ = b.get("/oauth2/authorize", url.Values{
		"client_id": {reg.Client.ClientID}, "redirect_uri": {"https://portal.example.org/cb"}, "response_type": {"code"},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect for missing challenge, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "invalid_request" {
		t.Fatalf("unexpected redirect: %s", loc)
	}

	resp, _ = b.postForm("/oauth2/login", url.Values{"email": {"x@example.org"}, "password": {"y"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without session, got %d", resp.StatusCode)
	}
}

func TestOAuth2TokenEndpointErrors(t *testing.T) {
	api := newTestAPI(t)
	reg := registerClient(t, api, false)

	cases := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{"unsupported grant", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, "unsupported_grant_type"},
		{"missing code", url.Values{"grant_type": {"authorization_code"}, "client_id": {reg.Client.ClientID}}, http.StatusBadRequest, "invalid_request"},
		{"public client without verifier", url.Values{"grant_type": {"authorization_code"}, "client_id": {reg.Client.ClientID}, "code": {"c"}}, http.StatusUnauthorized, "invalid_client"},
		{"wrong secret", url.Values{"grant_type": {"authorization_code"}, "client_id": {reg.Client.ClientID}, "code": {"c"}, "client_secret": {"nope"}}, http.StatusUnauthorized, "invalid_client"},
		{"unknown code", url.Values{"grant_type": {"authorization_code"}, "client_id": {reg.Client.ClientID}, "code": {"c"}, "client_secret": {reg.ClientSecret}}, http.StatusBadRequest, "invalid_grant"},
	}
	for _, tc := range cases {
		resp, err := api.client.PostForm(api.baseURL+"/oauth2/token", tc.form)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
		if e := decode[tokenErrorResponse](t, resp); e.Error != tc.code {
			t.Fatalf("%s: unexpected error %+v", tc.name, e)
		}
	}
}

func TestOAuth2TokenRequiresSecretWithoutPKCE(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("gail@example.org", "pa55word")
	noPKCE := false
	reg, err := api.dir.CreateClient(context.Background(), auth.ClientRegistration{
		Name:         "Backend",
		RedirectURIs: []string{"https://backend.example.org/cb"},
		RequirePKCE:  &noPKCE,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	code, err := api.oauth.GenerateAuthorizationCode(context.Background(), auth.AuthorizationRequest{
		ClientID:    reg.Client.ClientID,
		Email:       "gail@example.org",
		RedirectURI: "https://backend.example.org/cb",
		Scope:       "profile",
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode: %v", err)
	}

	form := url.Values{"grant_type": {"authorization_code"}, "client_id": {reg.Client.ClientID}, "code": {code}, "code_verifier": {"anything-at-all"}}
	resp, err := api.client.PostForm(api.baseURL+"/oauth2/token", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", resp.StatusCode)
	}
	if e := decode[tokenErrorResponse](t, resp); e.Error != "invalid_client" {
		t.Fatalf("unexpected error %+v", e)
	}

	form.Del("code_verifier")
	form.Set("client_secret", reg.ClientSecret)
	resp, err = api.client.PostForm(api.baseURL+"/oauth2/token", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the rejected attempt to leave the code redeemable, got %d", resp.StatusCode)
	}
	if tok := decode[auth.TokenResponse](t, resp); tok.AccessToken == "" {
		t.Fatalf("expected access token")
	}
}

func TestOAuth2SignupWithPasscode(t *testing.T) {
	api := newTestAPI(t)
	b := newBrowser(t, api)

	resp, page := b.postForm("/oauth2/signup", url.Values{"username": {"Eve"}, "email": {"eve@example.org"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	m := regexp.MustCompile(`name="otpKey" value="([^"]+)"`).FindStringSubmatch(page)
	if m == nil {
		t.Fatalf("expected otp key field: %s", page)
	}

	resp, page = b.postForm("/oauth2/signup", url.Values{
		"username": {"Eve"}, "email": {"eve@example.org"}, "otpKey": {m[1]},
		"otp": {api.sender.last("eve@example.org")}, "password": {"n3w-pass"},
	})
	if resp.StatusCode != http.StatusOK || !strings.Contains(page, "Account created") {
		t.Fatalf("expected account created, got %d: %s", resp.StatusCode, page)
	}
	api.login("eve@example.org", "n3w-pass")
}

func TestOAuth2ForgotPassword(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("finn@example.org", "old-pass")
	b := newBrowser(t, api)

	_, page := b.postForm("/oauth2/forgot-password", url.Values{"email": {"nobody@example.org"}})
	if !strings.Contains(page, "If an account exists") {
		t.Fatalf("unknown email must get the generic answer: %s", page)
	}

	_, page = b.postForm("/oauth2/forgot-password", url.Values{"email": {"finn@example.org"}})
	m := regexp.MustCompile(`name="otpKey" value="([^"]+)"`).FindStringSubmatch(page)
	if m == nil {
		t.Fatalf("expected otp key field: %s", page)
	}
	resp, page := b.postForm("/oauth2/forgot-password", url.Values{
		"email": {"finn@example.org"}, "otpKey": {m[1]},
		"otp": {api.sender.last("finn@example.org")}, "password": {"new-pass"},
	})
	if resp.StatusCode != http.StatusOK || !strings.Contains(page, "Password updated") {
		t.Fatalf("expected password updated, got %d: %s", resp.StatusCode, page)
	}
	api.login("finn@example.org", "new-pass")
}
