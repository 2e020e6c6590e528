package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cdb.platformcommons.org/internal/ids"
)

const (
	DefaultAccessTTL  = 86400 * time.Second
	DefaultRefreshTTL = 864000 * time.Second

	// TokenType is reported in every TokenResponse.
	TokenType = "Bearer"
)

// Verifier checks bearer tokens against the codec and an optional denylist.
// Validator-only deployments use it without a Service.
type Verifier struct {
	codec    *Codec
	denylist Denylist
}

// NewVerifier returns a verifier; denylist may be nil.
func NewVerifier(codec *Codec, denylist Denylist) *Verifier {
	return &Verifier{codec: codec, denylist: denylist}
}

// Verify parses token and rejects revoked ids. Failures are ErrInvalidToken
// except denylist lookup errors, which are returned wrapped.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.codec.ParseClaims(StripBearer(token))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if v.denylist != nil && claims.ID != "" {
		revoked, err := v.denylist.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("denylist lookup: %w", err)
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

// Codec exposes the underlying token codec.
func (v *Verifier) Codec() *Codec {
	return v.codec
}

// Service authenticates users and issues base and tenant-scoped tokens.
type Service struct {
	*Verifier

	store      Store
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithDenylist enables access token revocation on logout.
func WithDenylist(d Denylist) ServiceOption {
	return func(s *Service) error {
		s.denylist = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("auth: store and codec are required")
	}
	svc := &Service{
		Verifier:   NewVerifier(codec, nil),
		store:      store,
		now:        time.Now,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// Authenticate checks credentials and issues a base token carrying only the user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (TokenResponse, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenResponse{}, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: user", ErrNotFound)
		}
		return TokenResponse{}, err
	}
	if !user.Enabled {
		return TokenResponse{}, fmt.Errorf("%w: account disabled", ErrInvalidState)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenResponse{}, ErrInvalidCredentials
	}

	access, err := s.issue(user, baseContext(user), nil)
	if err != nil {
		return TokenResponse{}, err
	}
	refresh, err := s.mintRefreshToken(ctx, user.ID)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := s.store.Users().TouchLogin(ctx, user.ID, s.now()); err != nil {
		s.log.Warn("record last login failed", "user_id", user.ID, "error", err)
	}
	access.RefreshToken = refresh
	return access, nil
}

// ValidateToken reports whether token is valid and not revoked.
func (s *Service) ValidateToken(ctx context.Context, token string) bool {
	_, err := s.Verify(ctx, token)
	return err == nil
}

// EmailFromToken returns the subject of a valid token.
func (s *Service) EmailFromToken(token string) (string, bool) {
	return s.codec.Subject(StripBearer(token))
}

// Logout revokes the subject's refresh tokens and, with a denylist configured,
// the presented access token. Invalid tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.codec.ParseClaims(StripBearer(token))
	if err != nil {
		return nil
	}
	userID := claims.UserID
	if userID == 0 {
		user, err := s.store.Users().FindByEmail(ctx, claims.Subject)
		if err != nil {
			return nil
		}
		userID = user.ID
	}
	if err := s.store.RefreshTokens().MarkRevokedByUser(ctx, userID); err != nil {
		return err
	}
	if s.denylist != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	s.log.Info("logout", "user_id", userID)
	return nil
}

// IssueExecutiveContextToken narrows a valid token to one provider, embedding the
// roles and authorities of the user's ACTIVE mapping.
func (s *Service) IssueExecutiveContextToken(ctx context.Context, currentToken, providerCode string) (TokenResponse, error) {
	providerCode = strings.TrimSpace(providerCode)
	if providerCode == "" {
		return TokenResponse{}, fmt.Errorf("%w: providerCode is required", ErrInvalidArgument)
	}
	claims, err := s.Verify(ctx, currentToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return TokenResponse{}, fmt.Errorf("%w: invalid token", ErrInvalidArgument)
		}
		return TokenResponse{}, err
	}
	user, err := s.store.Users().FindByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: user", ErrNotFound)
		}
		return TokenResponse{}, err
	}
	mapping, err := s.store.Mappings().FindActive(ctx, user.ID, providerCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: no active mapping for provider %s", ErrInvalidArgument, providerCode)
		}
		return TokenResponse{}, err
	}

	var roles, authorities []string
	for _, role := range mapping.Roles {
		roles = append(roles, role.Code)
		for _, a := range role.Authorities {
			authorities = append(authorities, a.Code)
		}
	}
	sc := baseContext(user).
		WithProvider(NewProviderContext(mapping.ProviderID, mapping.ProviderCode)).
		WithRoles(roles).
		WithAuthorities(authorities)

	resp, err := s.issue(user, sc, nil)
	if err != nil {
		return TokenResponse{}, err
	}
	s.log.Info("executive context issued", "user_id", user.ID, "provider", mapping.ProviderCode)
	return resp, nil
}

// Refresh rotates a refresh token and issues a new base token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenResponse{}, ErrInvalidToken
	}
	store := s.store.RefreshTokens()
	record, err := store.Find(ctx, tokenID)
	if err != nil {
		return TokenResponse{}, ErrInvalidToken
	}
	if record.Revoked || !s.now().Before(record.ExpiresAt) {
		return TokenResponse{}, ErrInvalidToken
	}
	if !secureCompareHash(record.TokenHash, secret) {
		_ = store.MarkRevoked(ctx, record.ID)
		return TokenResponse{}, ErrInvalidToken
	}
	user, err := s.store.Users().Find(ctx, record.UserID)
	if err != nil || !user.Enabled {
		return TokenResponse{}, ErrInvalidToken
	}

	// Rotate: only the caller that flips revoked wins.
	if err := store.MarkRevoked(ctx, record.ID); err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
			return TokenResponse{}, ErrInvalidToken
		}
		return TokenResponse{}, err
	}
	resp, err := s.issue(user, baseContext(user), nil)
	if err != nil {
		return TokenResponse{}, err
	}
	resp.RefreshToken, err = s.mintRefreshToken(ctx, user.ID)
	if err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// MyProviders lists the providers the token's user holds an ACTIVE mapping to.
func (s *Service) MyProviders(ctx context.Context, token string) ([]ProviderOption, error) {
	claims, err := s.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users().FindByEmail(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	mappings, err := s.store.Mappings().ListByStatus(ctx, user.ID, MappingActive)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderOption, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, ProviderOption{ProviderID: m.ProviderID, ProviderCode: m.ProviderCode})
	}
	return out, nil
}

func (s *Service) issue(user *User, sc SecurityContext, extra map[string]any) (TokenResponse, error) {
	claims := map[string]any{ContextClaim: sc}
	for k, v := range extra {
		claims[k] = v
	}
	token, err := s.codec.Generate(user.Email, user.ID, s.accessTTL, claims)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: token,
		TokenType:   TokenType,
		ExpiresIn:   int64(s.accessTTL / time.Second),
	}, nil
}

func (s *Service) mintRefreshToken(ctx context.Context, userID int64) (string, error) {
	secret, err := ids.Random(32)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(secret))
	now := s.now()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID + "." + secret, nil
}

func baseContext(user *User) SecurityContext {
	return NewSecurityContext(NewUserContext(user.ID, user.Email, user.Username))
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash string, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
