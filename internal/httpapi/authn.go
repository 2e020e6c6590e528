package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cdb.platformcommons.org/internal/auth"
)

// DefaultPublicPaths are reachable without a bearer token.
var DefaultPublicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/.well-known/jwks.json",
	"/jwks.json",
	"/api/v1/auth/login",
	"/api/v1/auth/refresh",
	"/api/v1/auth/validate",
	"/api/v1/auth/logout",
	"/api/v1/otp/**",
	"/api/v1/users/exists",
	"/api/v1/users/register",
	"/api/v1/users/reset-password",
	"/oauth2/**",
	"/error",
}

// PublicPaths matches request paths against an allow-list. A pattern is an
// exact path, a prefix ending in "/", a single segment wildcard ending in
// "/*", or a subtree wildcard ending in "/**".
type PublicPaths struct {
	exact    map[string]struct{}
	prefixes []string
	segments []string
	subtrees []string
}

// NewPublicPaths compiles patterns. Blank entries are ignored.
func NewPublicPaths(patterns ...string) PublicPaths {
	p := PublicPaths{exact: make(map[string]struct{})}
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		switch {
		case pat == "":
		case strings.HasSuffix(pat, "/**"):
			p.subtrees = append(p.subtrees, strings.TrimSuffix(pat, "/**"))
		case strings.HasSuffix(pat, "/*"):
			p.segments = append(p.segments, strings.TrimSuffix(pat, "*"))
		case strings.HasSuffix(pat, "/") && pat != "/":
			p.prefixes = append(p.prefixes, pat)
		default:
			p.exact[pat] = struct{}{}
		}
	}
	return p
}

// Match reports whether path is public.
func (p PublicPaths) Match(path string) bool {
	if _, ok := p.exact[path]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, prefix := range p.segments {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return true
		}
	}
	for _, root := range p.subtrees {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// Authenticator verifies bearer tokens on every non-public request and
// attaches the resulting principal to the request context.
type Authenticator struct {
	verifier *auth.Verifier
	public   PublicPaths
	log      *slog.Logger
}

// NewAuthenticator builds the request filter; a nil logger means slog.Default.
func NewAuthenticator(verifier *auth.Verifier, public PublicPaths, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, public: public, log: logger}
}

// Middleware wraps next with token verification.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || a.public.Match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w, challengeBearer, msgMissingBearer)
			return
		}

		principal, err := a.authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrMalformedContext) {
				a.log.ErrorContext(r.Context(), "token verification failed",
					"request_id", auth.RequestIDFromContext(r.Context()),
					"error", err)
			}
			unauthorized(w, challengeInvalid, msgInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// authenticate turns any failure, including a panic while decoding claims,
// into an error.
func (a *Authenticator) authenticate(ctx context.Context, token string) (p auth.Principal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", auth.ErrInvalidToken, rec)
		}
	}()
	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.NewPrincipal(claims, token)
}

// RequireGrant admits principals holding at least one of grants.
func RequireGrant(grants ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				unauthorized(w, challengeBearer, msgMissingBearer)
				return
			}
			if !p.HasAnyGrant(grants...) {
				w.Header().Set("WWW-Authenticate", challengeScope)
				writeError(w, r, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
