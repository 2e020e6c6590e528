package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// RegistrationRequest is the input to RegisterUser.
type RegistrationRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	OTPKey       string `json:"otpKey"`
	OTP          string `json:"otp"`
	ProviderID   int64  `json:"providerId"`
	ProviderCode string `json:"providerCode"`
}

// Registrar creates accounts gated by a verified passcode.
type Registrar struct {
	store Store
	otp   *OTPService
	log   *slog.Logger
}

// NewRegistrar wires the registrar; a nil logger means slog.Default.
func NewRegistrar(store Store, otp *OTPService, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{store: store, otp: otp, log: logger}
}

// RegisterUser creates an enabled account. The OTP key must have been verified
// (or is verified here when OTP is set) and is consumed, so it works once.
func (r *Registrar) RegisterUser(ctx context.Context, req RegistrationRequest) (*User, error) {
	email := NormalizeEmail(req.Email)
	username := strings.TrimSpace(req.Username)
	if username == "" || email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username, email and password are required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.OTPKey) == "" {
		return nil, fmt.Errorf("%w: otpKey is required and must be validated before registration", ErrInvalidArgument)
	}
	if err := r.consumeOTP(ctx, req.OTPKey, email, req.OTP); err != nil {
		return nil, err
	}

	if _, err := r.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email already exists", ErrInvalidState)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Enabled:      true,
	}
	if err := r.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: email already exists", ErrInvalidState)
		}
		return nil, err
	}

	if code := strings.TrimSpace(req.ProviderCode); code != "" {
		mapping := &UserProviderMapping{
			UserID:       user.ID,
			ProviderID:   req.ProviderID,
			ProviderCode: code,
			Status:       MappingActive,
		}
		if err := r.store.Mappings().Create(ctx, mapping); err != nil && !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("create provider mapping: %w", err)
		}
	}
	r.log.InfoContext(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// UserExists reports whether an account uses email.
func (r *Registrar) UserExists(ctx context.Context, email string) (bool, error) {
	_, err := r.store.Users().FindByEmail(ctx, NormalizeEmail(email))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ResetPassword replaces the password of the account after passcode verification.
func (r *Registrar) ResetPassword(ctx context.Context, key, email, otp, newPassword string) error {
	email = NormalizeEmail(email)
	if email == "" || newPassword == "" || key == "" {
		return fmt.Errorf("%w: key, email and password are required", ErrInvalidArgument)
	}
	user, err := r.store.Users().FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err := r.consumeOTP(ctx, key, email, otp); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := r.store.Users().UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := r.store.RefreshTokens().MarkRevokedByUser(ctx, user.ID); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "password reset", "user_id", user.ID)
	return nil
}

// SetUserEnabled toggles an account.
func (r *Registrar) SetUserEnabled(ctx context.Context, userID int64, enabled bool) error {
	return r.store.Users().SetEnabled(ctx, userID, enabled)
}

func (r *Registrar) consumeOTP(ctx context.Context, key, email, code string) error {
	if code != "" {
		if _, err := r.otp.Verify(ctx, key, email, code); err != nil {
			return err
		}
	}
	ok, err := r.otp.ConsumeValidated(ctx, key, email)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: OTP not validated for this email or key already used/expired", ErrInvalidState)
	}
	return nil
}
