package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/routes"
)

const apiPrefix = "/api/v1"

// ReadyProbe reports whether the process dependencies are reachable.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// AuthService is the account and session use case layer behind the handlers.
type AuthService interface {
	Login(ctx context.Context, email, password string) (auth.AuthResult, error)
	Register(ctx context.Context, email, password string) (auth.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (auth.AuthResult, error)
	Logout(ctx context.Context, userID string) error
	ChangePassword(ctx context.Context, userID string, current *string, next string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	User(ctx context.Context, userID string) (*auth.User, error)
	Users(ctx context.Context, limit, offset int) ([]*auth.User, error)
}

// Options tunes the HTTP layer.
type Options struct {
	Version      string
	FrontendURL  string
	CookieSecure bool
	RefreshTTL   time.Duration
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
	// Whitelist overrides routes.DefaultWhitelist when non-nil.
	Whitelist []string
	// TrustedProxies lists the CIDRs whose X-Forwarded-For header is believed.
	TrustedProxies []string
}

// API собирает HTTP слой.
type API struct {
	mux      *http.ServeMux
	policies *routes.Table
	gateway  *Gateway
	limiter  *rateLimiter

	auth       AuthService
	readyProbe ReadyProbe
	opts       Options
}

// New registers every route and its access policy.
func New(svc AuthService, tokens *auth.TokenCodec, revocations RevocationChecker, rp ReadyProbe, opts Options) (*API, error) {
	if svc == nil || tokens == nil || revocations == nil {
		return nil, errors.New("httpapi: service, token codec and revocation store are required")
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = tokens.TTL(auth.KindRefresh)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	patterns := opts.Whitelist
	if patterns == nil {
		patterns = routes.DefaultWhitelist
	}
	whitelist, err := routes.NewWhitelist(patterns...)
	if err != nil {
		return nil, err
	}
	trusted, err := ParseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}

	a := &API{
		mux:        http.NewServeMux(),
		policies:   routes.NewTable(),
		limiter:    newRateLimiter(opts.RateBurst, opts.RatePerSec, trusted),
		auth:       svc,
		readyProbe: rp,
		opts:       opts,
	}
	a.gateway = NewGateway(a.mux, a.policies, whitelist, tokens, revocations)

	// probes and metrics
	a.handle("GET /healthz", routes.Public(), a.Healthz)
	a.handle("GET /readyz", routes.Public(), a.Ready)
	a.handle("GET /metrics", routes.Public(), obs.Handler().ServeHTTP)
	a.handle("GET "+apiPrefix+"/health", routes.Public(), a.Health)

	// auth
	a.handle("POST "+apiPrefix+"/auth/login", routes.Public(), a.limited(a.handleLogin))
	a.handle("POST "+apiPrefix+"/auth/register", routes.Public(), a.limited(a.handleRegister))
	a.handle("POST "+apiPrefix+"/auth/refresh", routes.Public(), a.limited(a.handleRefresh))
	a.handle("POST "+apiPrefix+"/auth/forgot-password", routes.Public(), a.limited(a.handleForgotPassword))
	a.handle("POST "+apiPrefix+"/auth/reset-password", routes.Public(), a.limited(a.handleResetPassword))
	a.handle("POST "+apiPrefix+"/auth/logout", routes.Authenticated(), a.handleLogout)
	a.handle("PATCH "+apiPrefix+"/auth/password", routes.Authenticated(), a.handleChangePassword)
	a.handle("GET "+apiPrefix+"/auth/session", routes.OptionalAuth(), a.handleSession)

	// users
	a.handle("GET "+apiPrefix+"/me/profile", routes.Authenticated(), a.handleProfile)
	a.handle("GET "+apiPrefix+"/users", routes.Roles(auth.RoleAdmin), a.handleListUsers)

	a.handle("/", routes.Public(), a.fallback)
	return a, nil
}

// handle registers h on the mux and its policy in the table under the same pattern,
// so the gateway can find the policy from the pattern the mux resolves.
func (a *API) handle(pattern string, p routes.Policy, h http.HandlerFunc) {
	if err := a.policies.Register(pattern, p); err != nil {
		panic(err)
	}
	a.mux.HandleFunc(pattern, h)
}

func (a *API) limited(h http.HandlerFunc) http.HandlerFunc {
	return a.limiter.Wrap(h).ServeHTTP
}

// Policies exposes the route table, mainly for diagnostics.
func (a *API) Policies() *routes.Table {
	return a.policies
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.gateway.Wrap(a.mux)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = obs.Instrument(h)
	h = CORS(a.opts.FrontendURL, h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatehouse-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// Health is the public API liveness endpoint.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, "OK", map[string]any{
		"version": a.opts.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// fallback answers paths no route claimed. A path known under other methods gets 405.
func (a *API) fallback(w http.ResponseWriter, r *http.Request) {
	var allowed []string
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		probe := r.Clone(r.Context())
		probe.Method = m
		if _, pattern := a.mux.Handler(probe); pattern != "" && pattern != "/" {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) > 0 {
		methodNotAllowed(w, r, allowed...)
		return
	}
	writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, code int, msg string, data any) {
	writeJSON(w, code, successResponse{Status: code, Message: msg, Data: data})
}
