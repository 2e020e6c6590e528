package auth

import "time"

// User is a registered account. Email doubles as the login.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Enabled      bool
	MFAEnabled   bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MappingStatus is the lifecycle state of a user-provider mapping.
type MappingStatus string

const (
	MappingActive    MappingStatus = "ACTIVE"
	MappingInactive  MappingStatus = "INACTIVE"
	MappingSuspended MappingStatus = "SUSPENDED"
	MappingRequested MappingStatus = "REQUESTED"
)

// Valid reports whether s is a known status.
func (s MappingStatus) Valid() bool {
	switch s {
	case MappingActive, MappingInactive, MappingSuspended, MappingRequested:
		return true
	}
	return false
}

// UserProviderMapping binds a user to a provider with a set of roles.
type UserProviderMapping struct {
	ID           int64
	UserID       int64
	ProviderID   int64
	ProviderCode string
	Status       MappingStatus
	MappedAt     time.Time
	Roles        []Role
}

// Role groups authorities under a code.
type Role struct {
	ID          int64
	Code        string
	Label       string
	Type        string
	Authorities []Authority
}

// Authority is an atomic permission code.
type Authority struct {
	ID          int64
	Code        string
	Name        string
	ProcessArea string
}

// OAuthClient is a registered OAuth2 client application.
type OAuthClient struct {
	ID             int64
	ClientID       string
	SecretHash     string
	Name           string
	RedirectURIs   []string
	Scopes         []string
	GrantTypes     []string
	RequirePKCE    bool
	RequireConsent bool
	LogoURL        string
	Description    string
	CreatedAt      time.Time
}

// AllowsRedirect reports whether uri is registered for the client (exact match).
func (c *OAuthClient) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the client may use grantType.
func (c *OAuthClient) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use OAuth2 code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              int64
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// RefreshToken represents a persisted refresh token.
type RefreshToken struct {
	ID        string
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// TokenResponse is returned by every token issuing operation.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// ProviderOption is a provider the user holds an ACTIVE mapping to.
type ProviderOption struct {
	ProviderID   int64  `json:"providerId"`
	ProviderCode string `json:"providerCode"`
}
