package auth

import "time"

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Subject   string
	Context   SecurityContext
	Grants    []string
	Token     string
	TokenID   string
	ExpiresAt time.Time
	ClientID  string
	Scope     string
}

// NewPrincipal assembles a principal from verified claims and the raw token.
func NewPrincipal(claims *Claims, token string) (Principal, error) {
	sc, err := claims.SecurityContext()
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		Subject:  claims.Subject,
		Context:  sc,
		Grants:   sc.Grants(),
		Token:    token,
		TokenID:  claims.ID,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// HasGrant reports whether the principal carries grant.
func (p Principal) HasGrant(grant string) bool {
	for _, g := range p.Grants {
		if g == grant {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal carries the role code.
func (p Principal) HasRole(code string) bool {
	return p.HasGrant(RolePrefix + code)
}

// HasAnyGrant reports whether at least one of grants is present.
func (p Principal) HasAnyGrant(grants ...string) bool {
	for _, g := range grants {
		if p.HasGrant(g) {
			return true
		}
	}
	return false
}

// UserID returns the numeric user id from the security context.
func (p Principal) UserID() (int64, bool) {
	if p.Context.User == nil || p.Context.User.ID == nil {
		return 0, false
	}
	return *p.Context.User.ID, true
}

// ProviderCode returns the tenant code for tenant-scoped principals.
func (p Principal) ProviderCode() string {
	if p.Context.Provider == nil {
		return ""
	}
	return p.Context.Provider.Code
}
