package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidArgument    = errors.New("auth: invalid argument")
	ErrInvalidState       = errors.New("auth: invalid state")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrSigningUnavailable = errors.New("auth: signing key not configured")
	ErrConflict           = errors.New("auth: conflict")
	ErrMalformedContext   = errors.New("auth: malformed security context")
)
