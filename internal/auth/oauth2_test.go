package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
)

type oauthFixture struct {
	store *MemoryStore
	codec *Codec
	svc   *OAuth2Service
	clock *testClock
}

func newOAuthFixture(t *testing.T, requirePKCE bool) *oauthFixture {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	codec := newTestCodec(t, WithCodecClock(clock.Now))
	svc, err := NewOAuth2Service(store, codec, WithOAuth2Clock(clock.Now))
	if err != nil {
		t.Fatalf("NewOAuth2Service: %v", err)
	}
	client := &OAuthClient{
		ClientID:     "app1",
		Name:         "App One",
		RedirectURIs: []string{"https://cb"},
		Scopes:       []string{"read"},
		GrantTypes:   []string{GrantAuthorizationCode},
		RequirePKCE:  requirePKCE,
	}
	if err := store.Clients().Create(context.Background(), client); err != nil {
		t.Fatalf("create client: %v", err)
	}
	seedUser(t, store, "owner@example.com", "pw", true)
	return &oauthFixture{store: store, codec: codec, svc: svc, clock: clock}
}

func (f *oauthFixture) code(t *testing.T, challenge, method string) string {
	t.Helper()
	code, err := f.svc.GenerateAuthorizationCode(context.Background(), AuthorizationRequest{
		ClientID:            "app1",
		Email:               "owner@example.com",
		RedirectURI:         "https://cb",
		Scope:               "read",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode: %v", err)
	}
	return code
}

func TestValidateClient(t *testing.T) {
	f := newOAuthFixture(t, false)
	ctx := context.Background()
	if _, err := f.svc.ValidateClient(ctx, "app1", "https://cb"); err != nil {
		t.Fatalf("ValidateClient: %v", err)
	}
	if _, err := f.svc.ValidateClient(ctx, "app1", "https://cb/other"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("redirect mismatch: %v", err)
	}
	if _, err := f.svc.ValidateClient(ctx, "nope", "https://cb"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown client: %v", err)
	}
}

func TestOAuth2Authenticate(t *testing.T) {
	f := newOAuthFixture(t, false)
	seedUser(t, f.store, "disabled@example.com", "pw", false)
	ctx := context.Background()
	if !f.svc.Authenticate(ctx, " Owner@Example.com", "pw") {
		t.Fatalf("expected credentials to match")
	}
	if f.svc.Authenticate(ctx, "owner@example.com", "bad") || f.svc.Authenticate(ctx, "disabled@example.com", "pw") || f.svc.Authenticate(ctx, "x", "pw") {
		t.Fatalf("expected authentication failures")
	}
}

func TestExchangeCodeOnce(t *testing.T) {
	f := newOAuthFixture(t, false)
	ctx := context.Background()
	code := f.code(t, "", "")
	if len(code) != 43 {
		t.Fatalf("expected 256-bit base64url code, got %d chars", len(code))
	}

	resp, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", "", "")
	if err != nil {
		t.Fatalf("ExchangeCodeForToken: %v", err)
	}
	claims, err := f.codec.ParseClaims(resp.AccessToken)
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	if claims.Scope != "read" || claims.ClientID != "app1" || claims.Subject != "owner@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	sc, err := claims.SecurityContext()
	if err != nil || sc.Provider != nil || len(sc.Roles) != 0 || sc.User == nil {
		t.Fatalf("expected user-only context, got %+v (%v)", sc, err)
	}

	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("second exchange: %v", err)
	}
}

func TestExchangeCodeRejections(t *testing.T) {
	f := newOAuthFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.ExchangeCodeForToken(ctx, "unknown", "app1", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unknown code: %v", err)
	}
	code := f.code(t, "", "")
	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "other", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("client mismatch: %v", err)
	}
	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", "", "https://evil"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("redirect mismatch: %v", err)
	}
	expiring := f.code(t, "", "")
	f.clock.Advance(DefaultCodeTTL)
	if _, err := f.svc.ExchangeCodeForToken(ctx, expiring, "app1", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expired code: %v", err)
	}
	if _, err := f.svc.GenerateAuthorizationCode(ctx, AuthorizationRequest{ClientID: "app1", Email: "ghost@example.com"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestExchangeCodePKCE(t *testing.T) {
	f := newOAuthFixture(t, true)
	ctx := context.Background()
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code := f.code(t, challenge, PKCEMethodS256)
	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", "wrong-verifier", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("wrong verifier: %v", err)
	}
	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("missing verifier: %v", err)
	}
	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", verifier, "https://cb"); err != nil {
		t.Fatalf("valid verifier: %v", err)
	}

	plain := f.code(t, "plain-secret", "")
	if _, err := f.svc.ExchangeCodeForToken(ctx, plain, "app1", "plain-secret", ""); err != nil {
		t.Fatalf("plain verifier: %v", err)
	}

	if _, err := f.svc.GenerateAuthorizationCode(ctx, AuthorizationRequest{ClientID: "app1", Email: "owner@example.com", RedirectURI: "https://cb"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("pkce required: %v", err)
	}
}

func TestExchangePublicClientCodeNeedsChallenge(t *testing.T) {
	f := newOAuthFixture(t, false)
	ctx := context.Background()

	code := f.code(t, "", "")
	if _, err := f.svc.ExchangePublicClientCode(ctx, code, "app1", "anything-at-all", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("code without challenge: %v", err)
	}
	if _, err := f.svc.ExchangeCodeForToken(ctx, code, "app1", "", ""); err != nil {
		t.Fatalf("rejected public attempt must not consume the code: %v", err)
	}

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	withPKCE := f.code(t, base64.RawURLEncoding.EncodeToString(sum[:]), PKCEMethodS256)
	if _, err := f.svc.ExchangePublicClientCode(ctx, withPKCE, "app1", "wrong", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("wrong verifier: %v", err)
	}
	if _, err := f.svc.ExchangePublicClientCode(ctx, withPKCE, "app1", verifier, ""); err != nil {
		t.Fatalf("valid verifier: %v", err)
	}
}

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B
	if !VerifyPKCE("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", PKCEMethodS256) {
		t.Fatalf("expected RFC test vector to verify")
	}
	if VerifyPKCE("", "", PKCEMethodPlain) {
		t.Fatalf("empty verifier must fail")
	}
}

func TestExchangeCodeConcurrent(t *testing.T) {
	f := newOAuthFixture(t, false)
	code := f.code(t, "", "")

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.ExchangeCodeForToken(context.Background(), code, "app1", "", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidArgument):
				failures++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if successes != 1 || failures != workers-1 {
		t.Fatalf("successes=%d failures=%d", successes, failures)
	}
}

func TestAuthenticateClient(t *testing.T) {
	store := NewMemoryStore()
	dir, err := NewDirectory(store)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	reg, err := dir.CreateClient(context.Background(), ClientRegistration{Name: "svc", RedirectURIs: []string{"https://cb"}})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if reg.Client.ClientID[:4] != "cdb_" || !reg.Client.RequirePKCE || !reg.Client.RequireConsent {
		t.Fatalf("unexpected client defaults: %+v", reg.Client)
	}
	if !reg.Client.AllowsGrant(GrantAuthorizationCode) || len(reg.Client.Scopes) != 2 {
		t.Fatalf("unexpected grants/scopes: %+v", reg.Client)
	}
	svc, err := NewOAuth2Service(store, newTestCodec(t))
	if err != nil {
		t.Fatalf("NewOAuth2Service: %v", err)
	}
	if err := svc.AuthenticateClient(context.Background(), reg.Client.ClientID, reg.ClientSecret); err != nil {
		t.Fatalf("AuthenticateClient: %v", err)
	}
	if err := svc.AuthenticateClient(context.Background(), reg.Client.ClientID, "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong secret: %v", err)
	}
}
