package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ContextClaim is the JWT claim carrying the SecurityContext.
const ContextClaim = "ctx"

// RolePrefix marks grants derived from role codes.
const RolePrefix = "ROLE_"

// UserContext identifies the acting account.
type UserContext struct {
	ID       *int64 `json:"id"`
	Login    string `json:"login,omitempty"`
	Username string `json:"username,omitempty"`
}

// ProviderContext identifies the tenant a token is scoped to.
type ProviderContext struct {
	ID   *int64 `json:"id"`
	Code string `json:"code,omitempty"`
}

// NewUserContext builds a UserContext with a known numeric id.
func NewUserContext(id int64, login, username string) UserContext {
	return UserContext{ID: &id, Login: login, Username: username}
}

// NewProviderContext builds a ProviderContext with a known numeric id.
func NewProviderContext(id int64, code string) ProviderContext {
	return ProviderContext{ID: &id, Code: code}
}

// SecurityContext describes who is acting, for which tenant, with which grants.
// Values are treated as immutable: the With* methods return modified copies.
type SecurityContext struct {
	User        *UserContext
	Provider    *ProviderContext
	Roles       []string
	Authorities []string
	Extras      map[string]any
}

// NewSecurityContext starts a context for the given user.
func NewSecurityContext(user UserContext) SecurityContext {
	return SecurityContext{User: &user}
}

// WithProvider returns a copy scoped to the provider.
func (c SecurityContext) WithProvider(p ProviderContext) SecurityContext {
	out := c.clone()
	out.Provider = &p
	return out
}

// WithRoles returns a copy carrying the given role codes (deduplicated, order kept).
func (c SecurityContext) WithRoles(codes []string) SecurityContext {
	out := c.clone()
	out.Roles = dedupeCodes(codes)
	return out
}

// WithAuthorities returns a copy carrying the given authority codes (deduplicated, order kept).
func (c SecurityContext) WithAuthorities(codes []string) SecurityContext {
	out := c.clone()
	out.Authorities = dedupeCodes(codes)
	return out
}

// WithExtra returns a copy with an additional forward-compatible field.
func (c SecurityContext) WithExtra(key string, value any) SecurityContext {
	out := c.clone()
	if out.Extras == nil {
		out.Extras = make(map[string]any, 1)
	}
	out.Extras[key] = value
	return out
}

// IsTenantScoped reports whether the context carries a provider.
func (c SecurityContext) IsTenantScoped() bool {
	return c.Provider != nil
}

// Grants derives the grant set: ROLE_-prefixed role codes followed by authority codes.
func (c SecurityContext) Grants() []string {
	grants := make([]string, 0, len(c.Roles)+len(c.Authorities))
	for _, r := range c.Roles {
		grants = append(grants, RolePrefix+r)
	}
	grants = append(grants, c.Authorities...)
	return dedupeCodes(grants)
}

func (c SecurityContext) clone() SecurityContext {
	out := SecurityContext{
		User:        c.User,
		Provider:    c.Provider,
		Roles:       append([]string(nil), c.Roles...),
		Authorities: append([]string(nil), c.Authorities...),
	}
	if len(c.Extras) > 0 {
		out.Extras = make(map[string]any, len(c.Extras))
		for k, v := range c.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

// MarshalJSON renders the ctx claim object.
func (c SecurityContext) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extras)+4)
	for k, v := range c.Extras {
		out[k] = v
	}
	if c.User != nil {
		out["user"] = c.User
	}
	if c.Provider != nil {
		out["provider"] = c.Provider
	}
	out["roles"] = nonNil(c.Roles)
	out["authorities"] = nonNil(c.Authorities)
	return json.Marshal(out)
}

// UnmarshalJSON decodes through DecodeSecurityContext.
func (c *SecurityContext) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeSecurityContext(data)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// DecodeSecurityContext parses a raw ctx claim. An absent claim yields an empty
// context. Structurally wrong shapes fail with ErrMalformedContext; unparsable
// numeric ids decode as nil.
func DecodeSecurityContext(raw json.RawMessage) (SecurityContext, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return SecurityContext{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return SecurityContext{}, fmt.Errorf("%w: ctx is not an object", ErrMalformedContext)
	}
	var (
		sc  SecurityContext
		err error
	)
	for key, value := range fields {
		switch key {
		case "user":
			sc.User, err = decodeUserContext(value)
		case "provider":
			sc.Provider, err = decodeProviderContext(value)
		case "roles":
			sc.Roles, err = decodeCodeList(value)
		case "authorities":
			sc.Authorities, err = decodeCodeList(value)
		default:
			var v any
			if jsonErr := json.Unmarshal(value, &v); jsonErr != nil {
				return SecurityContext{}, fmt.Errorf("%w: extra %q", ErrMalformedContext, key)
			}
			if sc.Extras == nil {
				sc.Extras = make(map[string]any)
			}
			sc.Extras[key] = v
		}
		if err != nil {
			return SecurityContext{}, fmt.Errorf("%w: %s: %v", ErrMalformedContext, key, err)
		}
	}
	return sc, nil
}

type rawIdentity struct {
	ID       json.RawMessage `json:"id"`
	Login    json.RawMessage `json:"login"`
	Username json.RawMessage `json:"username"`
	Code     json.RawMessage `json:"code"`
}

func decodeIdentity(raw json.RawMessage) (*rawIdentity, error) {
	if isNull(raw) {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("expected object")
	}
	var ident rawIdentity
	if err := json.Unmarshal(raw, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

func decodeUserContext(raw json.RawMessage) (*UserContext, error) {
	ident, err := decodeIdentity(bytes.TrimSpace(raw))
	if err != nil || ident == nil {
		return nil, err
	}
	login, err := scalarString(ident.Login)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	username, err := scalarString(ident.Username)
	if err != nil {
		return nil, fmt.Errorf("username: %w", err)
	}
	return &UserContext{ID: lenientID(ident.ID), Login: login, Username: username}, nil
}

func decodeProviderContext(raw json.RawMessage) (*ProviderContext, error) {
	ident, err := decodeIdentity(bytes.TrimSpace(raw))
	if err != nil || ident == nil {
		return nil, err
	}
	code, err := scalarString(ident.Code)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	return &ProviderContext{ID: lenientID(ident.ID), Code: code}, nil
}

func decodeCodeList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected array")
	}
	codes := make([]string, 0, len(items))
	for _, item := range items {
		s, err := scalarString(item)
		if err != nil {
			return nil, err
		}
		if s != "" {
			codes = append(codes, s)
		}
	}
	return dedupeCodes(codes), nil
}

// scalarString coerces a JSON scalar to its string form. Null yields "".
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("expected scalar")
	default:
		return string(raw), nil
	}
}

// lenientID parses numbers and numeric strings; anything else is nil.
func lenientID(raw json.RawMessage) *int64 {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
		text = strings.TrimSpace(text)
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &v
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && f == float64(int64(f)) {
		v := int64(f)
		return &v
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func dedupeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
