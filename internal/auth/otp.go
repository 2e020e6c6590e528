package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultOTPTTL = 5 * time.Minute

	// DevBypassCode verifies any key when the development bypass is enabled.
	DevBypassCode = "000000"
)

// OTPSender delivers a passcode out of band.
type OTPSender interface {
	SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error
}

// LogSender writes passcodes to the debug log. Intended for development.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.DebugContext(ctx, "otp issued", "email", email, "otp", code, "expires_at", expiresAt)
	return nil
}

// OTPOption configures an OTPService.
type OTPOption func(*OTPService) error

// WithOTPTTL sets the passcode lifetime.
func WithOTPTTL(ttl time.Duration) OTPOption {
	return func(s *OTPService) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithDevBypass makes DevBypassCode always verify. Never enable in production.
func WithDevBypass(enabled bool) OTPOption {
	return func(s *OTPService) error {
		s.devBypass = enabled
		return nil
	}
}

// WithSender sets the delivery channel.
func WithSender(sender OTPSender) OTPOption {
	return func(s *OTPService) error {
		if sender != nil {
			s.sender = sender
		}
		return nil
	}
}

// WithOTPClock overrides the time source.
func WithOTPClock(fn func() time.Time) OTPOption {
	return func(s *OTPService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithOTPLogger sets the service logger.
func WithOTPLogger(l *slog.Logger) OTPOption {
	return func(s *OTPService) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// OTPService issues and verifies short-lived numeric passcodes bound to an email.
type OTPService struct {
	store     OTPStore
	sender    OTPSender
	ttl       time.Duration
	devBypass bool
	now       func() time.Time
	log       *slog.Logger
}

// NewOTPService constructs the service over store.
func NewOTPService(store OTPStore, opts ...OTPOption) (*OTPService, error) {
	if store == nil {
		return nil, errors.New("auth: otp store is required")
	}
	s := &OTPService{
		store: store,
		ttl:   DefaultOTPTTL,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.sender == nil {
		s.sender = LogSender{Logger: s.log}
	}
	if s.devBypass {
		s.log.Warn("otp development bypass enabled", "code", DevBypassCode)
	}
	return s, nil
}

// Initiate issues a passcode for email and returns its key.
func (s *OTPService) Initiate(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidArgument)
	}
	code, err := sixDigits()
	if err != nil {
		return "", err
	}
	entry := PendingOTP{
		Key:       uuid.NewString(),
		Email:     email,
		Code:      code,
		ExpiresAt: s.now().Add(s.ttl),
	}
	if err := s.store.PutPending(ctx, entry); err != nil {
		return "", err
	}
	if err := s.sender.SendOTP(ctx, email, code, entry.ExpiresAt); err != nil {
		_ = s.store.DeletePending(ctx, entry.Key)
		return "", fmt.Errorf("send otp: %w", err)
	}
	s.log.InfoContext(ctx, "otp initiated", "key", entry.Key)
	return entry.Key, nil
}

// Verify checks the passcode and moves the entry to the validated store.
func (s *OTPService) Verify(ctx context.Context, key, email, code string) (bool, error) {
	if key == "" || email == "" || code == "" {
		return false, nil
	}
	email = NormalizeEmail(email)
	entry, ok, err := s.store.GetPending(ctx, key)
	if err != nil {
		return false, err
	}
	if s.devBypass && code == DevBypassCode {
		if ok && entry.Email == email {
			if _, err := s.store.Promote(ctx, key); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if !ok {
		return false, nil
	}
	if entry.Expired(s.now()) {
		return false, s.store.DeletePending(ctx, key)
	}
	if entry.Email != email || subtle.ConstantTimeCompare([]byte(entry.Code), []byte(code)) != 1 {
		return false, nil
	}
	return s.store.Promote(ctx, key)
}

// ConsumeValidated removes a validated entry for email; it succeeds once per key.
func (s *OTPService) ConsumeValidated(ctx context.Context, key, email string) (bool, error) {
	if key == "" || email == "" {
		return false, nil
	}
	entry, ok, err := s.store.GetValidated(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if entry.Expired(s.now()) {
		_, err := s.store.Consume(ctx, key)
		return false, err
	}
	if entry.Email != NormalizeEmail(email) {
		return false, nil
	}
	return s.store.Consume(ctx, key)
}

// ExistingPendingByEmail evicts expired entries for email and returns the first
// live one.
func (s *OTPService) ExistingPendingByEmail(ctx context.Context, email string) (PendingOTP, bool, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return PendingOTP{}, false, nil
	}
	entries, err := s.store.PendingByEmail(ctx, email)
	if err != nil {
		return PendingOTP{}, false, err
	}
	now := s.now()
	var (
		found PendingOTP
		ok    bool
	)
	for _, e := range entries {
		if e.Expired(now) {
			if err := s.store.DeletePending(ctx, e.Key); err != nil {
				return PendingOTP{}, false, err
			}
			continue
		}
		if !ok {
			found, ok = e, true
		}
	}
	return found, ok, nil
}

func sixDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
