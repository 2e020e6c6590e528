// Package config loads authd settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"cdb.platformcommons.org/internal/auth"
)

// Prefix is prepended to every environment key.
const Prefix = "CDB_"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all environment-based configuration for authd.
type Config struct {
	Env string `env:"ENV" envDefault:"development"`

	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Storage. An empty DSN selects the in-process store; an empty Redis URL
	// keeps OTP entries and the denylist in memory.
	PGDSN    string `env:"PG_DSN"`
	RedisURL string `env:"REDIS_URL"`

	JWTPrivateKey string `env:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string `env:"JWT_PUBLIC_KEY"`
	JWTKeyID      string `env:"JWT_KID"`
	JWTIssuer     string `env:"JWT_ISSUER"`

	AccessTTLSeconds       int64         `env:"ACCESS_TTL_SECONDS" envDefault:"86400"`
	RefreshTTLSeconds      int64         `env:"REFRESH_TTL_SECONDS" envDefault:"864000"`
	OAuth2AccessTTLSeconds int64         `env:"OAUTH2_ACCESS_TTL_SECONDS" envDefault:"86400"`
	OAuth2CodeTTL          time.Duration `env:"OAUTH2_CODE_TTL" envDefault:"10m"`
	OTPTTL                 time.Duration `env:"OTP_TTL" envDefault:"5m"`
	OTPDevBypass           bool          `env:"OTP_DEV_BYPASS" envDefault:"false"`
	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"15m"`

	PublicPaths  []string `env:"PUBLIC_PATHS" envSeparator:","`
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`
	RateBurst    int      `env:"RATE_BURST" envDefault:"40"`
	RatePerSec   float64  `env:"RATE_PER_SEC" envDefault:"20"`
	LoginPerMin  int      `env:"LOGIN_ATTEMPTS_PER_MIN" envDefault:"10"`
	MaxBodyBytes int64    `env:"MAX_BODY_BYTES" envDefault:"1048576"`

	AWSSecretID  string `env:"AWS_SECRET_ID"`
	AWSRegion    string `env:"AWS_REGION"`
	AWSOverwrite bool   `env:"AWS_SECRET_OVERWRITE" envDefault:"false"`

	// KeysGenerated is set when an ephemeral development key pair was created.
	KeysGenerated bool `env:"-"`
}

// Loader carries the collaborators Load needs; the zero value is usable.
type Loader struct {
	// DotEnvFiles are loaded in order; missing files are ignored.
	DotEnvFiles []string
	// Secrets fetches the AWS secret. Nil builds a client from the default
	// AWS configuration when a secret id is set.
	Secrets SecretFetcher
}

// Load reads configuration with the default Loader.
func Load(ctx context.Context) (*Config, error) {
	return Loader{}.Load(ctx)
}

// Load reads .env files, merges the optional AWS secret into the process
// environment, parses CDB_* keys and validates the result.
func (l Loader) Load(ctx context.Context) (*Config, error) {
	files := l.DotEnvFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if secretID := os.Getenv(Prefix + "AWS_SECRET_ID"); secretID != "" {
		fetcher := l.Secrets
		if fetcher == nil {
			var err error
			fetcher, err = NewSecretsManager(ctx, os.Getenv(Prefix+"AWS_REGION"))
			if err != nil {
				return nil, err
			}
		}
		overwrite := strings.EqualFold(os.Getenv(Prefix+"AWS_SECRET_OVERWRITE"), "true")
		if _, err := LoadSecret(ctx, fetcher, secretID, overwrite); err != nil {
			return nil, err
		}
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.ensureKeys(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse reads CDB_* variables without validation.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.JWTPrivateKey = unescapePEM(cfg.JWTPrivateKey)
	cfg.JWTPublicKey = unescapePEM(cfg.JWTPublicKey)
	return cfg, nil
}

// IsProduction reports whether Env is production.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

// IsDevelopment reports whether Env is development.
func (c *Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLSeconds) * time.Second
}

func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLSeconds) * time.Second
}

func (c *Config) OAuth2AccessTTL() time.Duration {
	return time.Duration(c.OAuth2AccessTTLSeconds) * time.Second
}

// Validate enforces cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTPublicKey) == "" {
		errs = append(errs, errors.New(Prefix+"JWT_PUBLIC_KEY is required outside development"))
	}
	if c.OTPDevBypass && c.IsProduction() {
		errs = append(errs, errors.New(Prefix+"OTP_DEV_BYPASS must not be enabled in production"))
	}
	if c.AccessTTLSeconds <= 0 || c.RefreshTTLSeconds <= 0 || c.OAuth2AccessTTLSeconds <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.OAuth2CodeTTL <= 0 || c.OTPTTL <= 0 || c.SessionTTL <= 0 {
		errs = append(errs, errors.New("code, otp and session TTLs must be positive"))
	}
	if c.RateBurst < 0 || c.RatePerSec < 0 || c.LoginPerMin < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New(Prefix+"MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// ensureKeys creates an ephemeral key pair in development when none is set.
func (c *Config) ensureKeys() error {
	if c.JWTPublicKey != "" || !c.IsDevelopment() {
		return nil
	}
	priv, pub, err := auth.GenerateKeyPairPEM(2048)
	if err != nil {
		return fmt.Errorf("generating development key pair: %w", err)
	}
	c.JWTPrivateKey, c.JWTPublicKey = priv, pub
	if c.JWTKeyID == "" {
		c.JWTKeyID = "dev"
	}
	c.KeysGenerated = true
	return nil
}

// unescapePEM turns literal \n sequences from single-line env values into newlines.
func unescapePEM(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
}
