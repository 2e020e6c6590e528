package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cdb.platformcommons.org/internal/audit"
	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

// ReadyProbe checks backing services before the instance reports ready.
type ReadyProbe struct {
	DB *sql.DB
	// Ping checks any additional dependency such as Redis.
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Ping != nil {
		return rp.Ping(ctx)
	}
	return nil
}

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Auth      *auth.Service
	OAuth2    *auth.OAuth2Service
	OTP       *auth.OTPService
	Registrar *auth.Registrar
	Directory *auth.Directory
	Verifier  *auth.Verifier
	Ready     ReadyProbe
	Logger    *slog.Logger
	// Events feeds the admin audit stream; nil uses audit.DefaultHub.
	Events *audit.Hub
}

// Options tune the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Version       string
	PublicPaths   []string
	CORSOrigins   []string
	AllowLocal    bool
	RateBurst     int
	RatePerSec    float64
	LoginPerMin   int
	MaxBodyBytes  int64
	SessionTTL    time.Duration
	SecureCookies bool
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	deps     Deps
	opts     Options
	log      *slog.Logger
	authn    *Authenticator
	logins   *limiterSet
	sessions *sessionStore
	pages    *pages
	handler  http.Handler
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil || deps.Verifier == nil {
		return nil, errors.New("httpapi: auth service and verifier are required")
	}
	if deps.OAuth2 == nil || deps.OTP == nil || deps.Registrar == nil || deps.Directory == nil {
		return nil, errors.New("httpapi: oauth2, otp, registrar and directory are required")
	}
	if deps.Logger == nil {
		deps.Logger = obs.Logger()
	}
	if deps.Events == nil {
		deps.Events = audit.DefaultHub()
	}
	if len(opts.PublicPaths) == 0 {
		opts.PublicPaths = DefaultPublicPaths
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.LoginPerMin <= 0 {
		opts.LoginPerMin = 10
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 15 * time.Minute
	}
	tmpl, err := loadPages()
	if err != nil {
		return nil, err
	}

	a := &API{
		mux:      http.NewServeMux(),
		deps:     deps,
		opts:     opts,
		log:      deps.Logger,
		authn:    NewAuthenticator(deps.Verifier, NewPublicPaths(opts.PublicPaths...), deps.Logger),
		logins:   newLimiterSet(perMinute(opts.LoginPerMin), opts.LoginPerMin),
		sessions: newSessionStore(opts.SessionTTL),
		pages:    tmpl,
	}
	a.routes()
	a.handler = a.chain()
	return a, nil
}

func (a *API) routes() {
	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// key publication
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.handleJWKS)
	a.mux.HandleFunc("GET /jwks.json", a.handleJWKS)

	// token lifecycle
	a.mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /api/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /api/v1/auth/validate", a.handleValidate)
	a.mux.HandleFunc("POST /api/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /api/v1/auth/context", a.handleExecutiveContext)
	a.mux.HandleFunc("GET /api/v1/auth/my-providers", a.handleMyProviders)
	a.mux.HandleFunc("GET /api/v1/auth/me", a.handleMe)

	// passcodes and accounts
	a.mux.HandleFunc("POST /api/v1/otp/initiate", a.handleOTPInitiate)
	a.mux.HandleFunc("POST /api/v1/otp/verify", a.handleOTPVerify)
	a.mux.HandleFunc("GET /api/v1/otp/existing", a.handleOTPExisting)
	a.mux.HandleFunc("POST /api/v1/users/register", a.handleRegister)
	a.mux.HandleFunc("GET /api/v1/users/exists", a.handleUserExists)
	a.mux.HandleFunc("POST /api/v1/users/reset-password", a.handleResetPassword)

	// directory administration
	admin := RequireGrant(auth.AdminGrants...)
	a.mux.Handle("POST /api/v1/admin/authorities", admin(http.HandlerFunc(a.handleCreateAuthority)))
	a.mux.Handle("POST /api/v1/admin/roles", admin(http.HandlerFunc(a.handleCreateRole)))
	a.mux.Handle("GET /api/v1/admin/roles/{code}", admin(http.HandlerFunc(a.handleGetRole)))
	a.mux.Handle("POST /api/v1/admin/mappings", admin(http.HandlerFunc(a.handleCreateMapping)))
	a.mux.Handle("POST /api/v1/admin/mappings/{id}/roles", admin(http.HandlerFunc(a.handleAssignRoles)))
	a.mux.Handle("POST /api/v1/admin/mappings/{id}/status", admin(http.HandlerFunc(a.handleMappingStatus)))
	a.mux.Handle("PATCH /api/v1/admin/users/{id}/enabled", admin(http.HandlerFunc(a.handleUserEnabled)))
	a.mux.Handle("POST /api/v1/oauth2/clients", admin(http.HandlerFunc(a.handleCreateClient)))
	a.mux.Handle("GET /api/v1/oauth2/clients", admin(http.HandlerFunc(a.handleListClients)))
	a.mux.Handle("GET /api/v1/admin/audit/stream", admin(http.HandlerFunc(a.handleAuditStream)))

	// browser authorization code flow
	a.mux.HandleFunc("GET /oauth2/authorize", a.handleAuthorize)
	a.mux.HandleFunc("POST /oauth2/login", a.handleOAuthLogin)
	a.mux.HandleFunc("POST /oauth2/consent", a.handleConsent)
	a.mux.HandleFunc("GET /oauth2/signup", a.handleSignupPage)
	a.mux.HandleFunc("POST /oauth2/signup", a.handleSignup)
	a.mux.HandleFunc("GET /oauth2/forgot-password", a.handleForgotPage)
	a.mux.HandleFunc("POST /oauth2/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("POST /oauth2/token", a.handleToken)
	a.mux.HandleFunc("GET /oauth2/error", a.handleOAuthError)
	a.mux.HandleFunc("GET /error", a.handleOAuthError)
}

func (a *API) chain() http.Handler {
	var h http.Handler = a.mux
	h = a.authn.Middleware(h)
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(h, a.opts.CORSOrigins, a.opts.AllowLocal)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "cdb-authd",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		a.log.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.deps.Verifier.Codec().JWKS())
}
