package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cdb.platformcommons.org/internal/ids"
)

const (
	DefaultCodeTTL = 10 * time.Minute

	GrantAuthorizationCode = "authorization_code"
	PKCEMethodS256         = "S256"
	PKCEMethodPlain        = "plain"
)

// AuthorizationRequest carries an approved authorize request.
type AuthorizationRequest struct {
	ClientID            string
	Email               string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// OAuth2Option configures an OAuth2Service.
type OAuth2Option func(*OAuth2Service) error

// WithCodeTTL sets the authorization code lifetime.
func WithCodeTTL(ttl time.Duration) OAuth2Option {
	return func(s *OAuth2Service) error {
		if ttl > 0 {
			s.codeTTL = ttl
		}
		return nil
	}
}

// WithOAuth2AccessTTL sets the lifetime of tokens issued at the token endpoint.
func WithOAuth2AccessTTL(ttl time.Duration) OAuth2Option {
	return func(s *OAuth2Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithOAuth2Clock overrides the time source.
func WithOAuth2Clock(fn func() time.Time) OAuth2Option {
	return func(s *OAuth2Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithOAuth2Logger sets the service logger.
func WithOAuth2Logger(l *slog.Logger) OAuth2Option {
	return func(s *OAuth2Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// OAuth2Service implements the authorization code grant with optional PKCE.
type OAuth2Service struct {
	store     Store
	codec     *Codec
	now       func() time.Time
	codeTTL   time.Duration
	accessTTL time.Duration
	log       *slog.Logger
}

// NewOAuth2Service constructs the service.
func NewOAuth2Service(store Store, codec *Codec, opts ...OAuth2Option) (*OAuth2Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("auth: store and codec are required")
	}
	s := &OAuth2Service{
		store:     store,
		codec:     codec,
		now:       time.Now,
		codeTTL:   DefaultCodeTTL,
		accessTTL: DefaultAccessTTL,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ValidateClient resolves a client and checks the redirect URI is registered.
func (s *OAuth2Service) ValidateClient(ctx context.Context, clientID, redirectURI string) (*OAuthClient, error) {
	client, err := s.store.Clients().FindByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid client", ErrInvalidArgument)
		}
		return nil, err
	}
	if !client.AllowsRedirect(redirectURI) {
		return nil, fmt.Errorf("%w: invalid redirect URI", ErrInvalidArgument)
	}
	return client, nil
}

// AuthenticateClient checks a client secret for confidential clients.
func (s *OAuth2Service) AuthenticateClient(ctx context.Context, clientID, secret string) error {
	client, err := s.store.Clients().FindByClientID(ctx, clientID)
	if err != nil {
		return ErrInvalidCredentials
	}
	if client.SecretHash == "" || VerifyPassword(client.SecretHash, secret) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Authenticate reports whether the credentials match an enabled user.
func (s *OAuth2Service) Authenticate(ctx context.Context, email, password string) bool {
	user, err := s.store.Users().FindByEmail(ctx, NormalizeEmail(email))
	if err != nil || !user.Enabled {
		return false
	}
	return VerifyPassword(user.PasswordHash, password) == nil
}

// GenerateAuthorizationCode persists a fresh single-use code for the request.
func (s *OAuth2Service) GenerateAuthorizationCode(ctx context.Context, req AuthorizationRequest) (string, error) {
	user, err := s.store.Users().FindByEmail(ctx, NormalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: user", ErrNotFound)
		}
		return "", err
	}
	client, err := s.store.Clients().FindByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: invalid client", ErrInvalidArgument)
		}
		return "", err
	}
	method := strings.TrimSpace(req.CodeChallengeMethod)
	challenge := strings.TrimSpace(req.CodeChallenge)
	if client.RequirePKCE && challenge == "" {
		return "", fmt.Errorf("%w: code_challenge is required", ErrInvalidArgument)
	}
	if challenge != "" && method != "" && method != PKCEMethodS256 && method != PKCEMethodPlain {
		return "", fmt.Errorf("%w: unsupported code_challenge_method", ErrInvalidArgument)
	}

	code, err := ids.Random(32)
	if err != nil {
		return "", err
	}
	now := s.now()
	rec := &AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           now.Add(s.codeTTL),
		CreatedAt:           now,
	}
	if err := s.store.Codes().Save(ctx, rec); err != nil {
		return "", err
	}
	return code, nil
}

// ExchangeCodeForToken redeems a code once. redirectURI is optional; when sent
// it must match the one bound at authorize time.
func (s *OAuth2Service) ExchangeCodeForToken(ctx context.Context, code, clientID, codeVerifier, redirectURI string) (TokenResponse, error) {
	return s.exchange(ctx, code, clientID, codeVerifier, redirectURI, false)
}

// ExchangePublicClientCode redeems a code for a caller that did not
// authenticate as the client. The code must have been issued with a PKCE
// challenge, which the verifier then has to satisfy.
func (s *OAuth2Service) ExchangePublicClientCode(ctx context.Context, code, clientID, codeVerifier, redirectURI string) (TokenResponse, error) {
	return s.exchange(ctx, code, clientID, codeVerifier, redirectURI, true)
}

func (s *OAuth2Service) exchange(ctx context.Context, code, clientID, codeVerifier, redirectURI string, public bool) (TokenResponse, error) {
	codes := s.store.Codes()
	rec, err := codes.FindUnused(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: invalid or used authorization code", ErrInvalidArgument)
		}
		return TokenResponse{}, err
	}
	if !s.now().Before(rec.ExpiresAt) {
		return TokenResponse{}, fmt.Errorf("%w: authorization code expired", ErrInvalidArgument)
	}
	if rec.ClientID != clientID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", ErrInvalidArgument)
	}
	if redirectURI != "" && redirectURI != rec.RedirectURI {
		return TokenResponse{}, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidArgument)
	}
	if public && rec.CodeChallenge == "" {
		return TokenResponse{}, fmt.Errorf("%w: client authentication required", ErrInvalidCredentials)
	}
	if rec.CodeChallenge != "" && !VerifyPKCE(codeVerifier, rec.CodeChallenge, rec.CodeChallengeMethod) {
		return TokenResponse{}, fmt.Errorf("%w: invalid code verifier", ErrInvalidArgument)
	}
	if err := codes.MarkUsed(ctx, code); err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: authorization code already used", ErrInvalidArgument)
		}
		return TokenResponse{}, err
	}

	user, err := s.store.Users().Find(ctx, rec.UserID)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: user", ErrNotFound)
	}
	sc := baseContext(user)
	token, err := s.codec.Generate(user.Email, user.ID, s.accessTTL, map[string]any{
		ContextClaim: sc,
		"scope":      rec.Scope,
		"client_id":  rec.ClientID,
	})
	if err != nil {
		return TokenResponse{}, err
	}
	s.log.Info("authorization code exchanged", "client_id", rec.ClientID, "user_id", user.ID)
	return TokenResponse{
		AccessToken: token,
		TokenType:   TokenType,
		ExpiresIn:   int64(s.accessTTL / time.Second),
	}, nil
}

// VerifyPKCE checks verifier against challenge. S256 compares the unpadded
// base64url SHA-256 digest; any other method compares verbatim.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" {
		return false
	}
	computed := verifier
	if method == PKCEMethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
