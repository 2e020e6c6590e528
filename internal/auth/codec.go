package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cdb.platformcommons.org/internal/ids"
)

// Claims is the typed payload of an access token.
type Claims struct {
	UserID   int64           `json:"userId"`
	Context  json.RawMessage `json:"ctx,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	jwt.RegisteredClaims

	// Extra holds claims not covered by the typed fields.
	Extra map[string]any `json:"-"`
}

var knownClaims = map[string]struct{}{
	"userId": {}, ContextClaim: {}, "scope": {}, "client_id": {},
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
}

// reserved claims cannot be overridden through Generate's extra map.
var reservedClaims = map[string]struct{}{
	"sub": {}, "userId": {}, "iat": {}, "exp": {}, "jti": {}, "iss": {},
}

// UnmarshalJSON decodes the typed claims and keeps the rest in Extra.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var typed plain
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range knownClaims {
		delete(all, k)
	}
	*c = Claims(typed)
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

// SecurityContext decodes the ctx claim.
func (c *Claims) SecurityContext() (SecurityContext, error) {
	return DecodeSecurityContext(c.Context)
}

// CodecOption configures a Codec.
type CodecOption func(*Codec) error

// WithPrivateKey enables token issuance with the given PEM encoded RSA key.
func WithPrivateKey(privatePEM string) CodecOption {
	return func(c *Codec) error {
		if strings.TrimSpace(privatePEM) == "" {
			return nil
		}
		key, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		c.private = key
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers and the JWKS.
func WithKeyID(kid string) CodecOption {
	return func(c *Codec) error {
		c.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer sets the iss claim on issued tokens and requires it on parsed ones.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		c.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithCodecClock overrides the time source.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// Codec signs and verifies RS256 bearer tokens.
type Codec struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	keyID   string
	issuer  string
	now     func() time.Time
}

// NewCodec builds a codec around a mandatory public key. Without WithPrivateKey
// the codec can only verify.
func NewCodec(publicPEM string, opts ...CodecOption) (*Codec, error) {
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	c := &Codec{public: pub, now: time.Now}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.private != nil && c.private.PublicKey.N.Cmp(pub.N) != 0 {
		return nil, errors.New("auth: private key does not match public key")
	}
	return c, nil
}

// CanSign reports whether a private key is configured.
func (c *Codec) CanSign() bool {
	return c.private != nil
}

// Generate issues a token for subject. Extra claims are copied into the payload
// except for the reserved registered ones.
func (c *Codec) Generate(subject string, userID int64, ttl time.Duration, extra map[string]any) (string, error) {
	if c.private == nil {
		return "", ErrSigningUnavailable
	}
	now := c.now()
	claims := jwt.MapClaims{}
	for k, v := range extra {
		if _, ok := reservedClaims[k]; ok {
			continue
		}
		claims[k] = v
	}
	claims["sub"] = subject
	claims["userId"] = userID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	claims["jti"] = ids.New()
	if c.issuer != "" {
		claims["iss"] = c.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if c.keyID != "" {
		token.Header["kid"] = c.keyID
	}
	signed, err := token.SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate reports whether token carries a valid signature and has not expired.
func (c *Codec) Validate(token string) bool {
	_, err := c.ParseClaims(token)
	return err == nil
}

// ParseClaims verifies token and returns its claims. Every failure is ErrInvalidToken.
func (c *Codec) ParseClaims(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return c.public, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject returns the token subject, or false when the token is not valid.
func (c *Codec) Subject(token string) (string, bool) {
	claims, err := c.ParseClaims(token)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

// JWK is a single RSA verification key.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public verification material.
func (c *Codec) JWKS() JWKS {
	if c == nil || c.public == nil {
		return JWKS{Keys: []JWK{}}
	}
	// big.Int.Bytes is minimal big-endian, so no leading zero byte survives.
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Alg: jwt.SigningMethodRS256.Alg(),
		Use: "sig",
		Kid: c.keyID,
		N:   base64.RawURLEncoding.EncodeToString(c.public.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(c.public.E)).Bytes()),
	}}}
}
