package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Mappings() MappingStore
	Roles() RoleStore
	Clients() ClientStore
	Codes() CodeStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	TouchLogin(ctx context.Context, id int64, at time.Time) error
}

// MappingStore manages user-provider mappings.
type MappingStore interface {
	Create(ctx context.Context, m *UserProviderMapping) error
	// FindActive returns the ACTIVE mapping for the pair with roles and their
	// authorities populated.
	FindActive(ctx context.Context, userID int64, providerCode string) (*UserProviderMapping, error)
	ListByStatus(ctx context.Context, userID int64, status MappingStatus) ([]*UserProviderMapping, error)
	SetStatus(ctx context.Context, id int64, status MappingStatus) error
	AssignRoles(ctx context.Context, mappingID int64, roleCodes []string) error
}

// RoleStore manages the role and authority master data.
type RoleStore interface {
	CreateAuthority(ctx context.Context, a *Authority) error
	CreateRole(ctx context.Context, r *Role, authorityCodes []string) error
	FindRole(ctx context.Context, code string) (*Role, error)
}

// ClientStore manages registered OAuth2 clients.
type ClientStore interface {
	Create(ctx context.Context, c *OAuthClient) error
	FindByClientID(ctx context.Context, clientID string) (*OAuthClient, error)
	List(ctx context.Context) ([]*OAuthClient, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	Save(ctx context.Context, code *AuthorizationCode) error
	// FindUnused returns ErrNotFound for unknown or already used codes.
	FindUnused(ctx context.Context, code string) (*AuthorizationCode, error)
	// MarkUsed flips used=false to true. It returns ErrInvalidState when the
	// code was already used, so at most one caller succeeds.
	MarkUsed(ctx context.Context, code string) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
	MarkRevokedByUser(ctx context.Context, userID int64) error
}

// PendingOTP is an issued passcode.
type PendingOTP struct {
	Key       string
	Email     string
	Code      string
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (p PendingOTP) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// OTPStore holds pending and validated passcodes. Every method is individually
// atomic; Promote and Consume succeed for at most one concurrent caller.
type OTPStore interface {
	PutPending(ctx context.Context, otp PendingOTP) error
	GetPending(ctx context.Context, key string) (PendingOTP, bool, error)
	DeletePending(ctx context.Context, key string) error
	// Promote moves the pending entry to the validated store.
	Promote(ctx context.Context, key string) (bool, error)
	GetValidated(ctx context.Context, key string) (PendingOTP, bool, error)
	// Consume removes the validated entry, reporting whether this call removed it.
	Consume(ctx context.Context, key string) (bool, error)
	PendingByEmail(ctx context.Context, email string) ([]PendingOTP, error)
}

// Denylist records revoked access token ids until their natural expiry.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
