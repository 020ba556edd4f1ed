package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/routes"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Gateway outcomes, used as the metric label.
const (
	outcomeWhitelisted     = "whitelisted"
	outcomePublic          = "public"
	outcomeAnonymous       = "anonymous"
	outcomeAllowed         = "allowed"
	outcomeUnauthorized    = "unauthorized"
	outcomeForbidden       = "forbidden"
	outcomeRevocationError = "revocation_error"
)

// RevocationChecker answers whether a token issued at issuedAt was revoked for userID.
type RevocationChecker interface {
	IsInvalidated(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}

// Gateway authenticates requests before they reach the mux. It resolves the matched
// pattern's policy, verifies the bearer access token and attaches the principal.
type Gateway struct {
	mux         *http.ServeMux
	policies    *routes.Table
	whitelist   *routes.Whitelist
	tokens      *auth.TokenCodec
	revocations RevocationChecker
	log         *slog.Logger
}

// NewGateway builds a gateway for the routes registered on mux.
func NewGateway(mux *http.ServeMux, policies *routes.Table, whitelist *routes.Whitelist, tokens *auth.TokenCodec, revocations RevocationChecker) *Gateway {
	return &Gateway{
		mux:         mux,
		policies:    policies,
		whitelist:   whitelist,
		tokens:      tokens,
		revocations: revocations,
		log:         obs.Logger().With("module", "gateway"),
	}
}

// Wrap returns next guarded by the gateway.
func (g *Gateway) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if g.whitelist.Match(r.URL.Path) {
			g.pass(w, r, next, auth.Anonymous(), "", outcomeWhitelisted)
			return
		}
		_, pattern := g.mux.Handler(r)
		policy := g.policies.Lookup(pattern)
		if policy.Public {
			g.pass(w, r, next, auth.Anonymous(), "", outcomePublic)
			return
		}

		principal, token, err := g.authenticate(r)
		if err != nil {
			if policy.OptionalAuth {
				g.pass(w, r, next, auth.Anonymous(), "", outcomeAnonymous)
				return
			}
			obs.GatewayDecision(outcomeUnauthorized)
			g.log.DebugContext(r.Context(), "request rejected",
				"path", r.URL.Path,
				"request_id", audit.RequestIDFromContext(r.Context()),
				"error", err,
			)
			writeUnauthorized(w, r)
			return
		}

		if !policy.Admits(principal) {
			obs.GatewayDecision(outcomeForbidden)
			writeError(w, r, http.StatusForbidden, CodeOperationNotAllowed, "Operation not allowed")
			return
		}
		g.pass(w, r, next, principal, token, outcomeAllowed)
	})
}

func (g *Gateway) pass(w http.ResponseWriter, r *http.Request, next http.Handler, p auth.Principal, token, outcome string) {
	obs.GatewayDecision(outcome)
	ctx := auth.ContextWithPrincipal(r.Context(), p)
	ctx = auth.ContextWithToken(ctx, token)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// authenticate verifies the bearer token. A revocation lookup failure is logged and
// the token is accepted: the cutoff store is a cache, not the source of truth.
func (g *Gateway) authenticate(r *http.Request) (auth.Principal, string, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return auth.Principal{}, "", err
	}
	claims, err := g.tokens.Verify(auth.KindAccess, token)
	if err != nil {
		return auth.Principal{}, "", err
	}
	revoked, err := g.revocations.IsInvalidated(r.Context(), claims.Subject, claims.IssuedAtTime())
	switch {
	case err != nil:
		obs.GatewayDecision(outcomeRevocationError)
		g.log.WarnContext(r.Context(), "revocation lookup failed",
			"user_id", claims.Subject,
			"request_id", audit.RequestIDFromContext(r.Context()),
			"error", err,
		)
	case revoked:
		return auth.Principal{}, "", auth.ErrTokenRevoked
	}
	return auth.Principal{UserID: claims.Subject, Role: claims.Role}, token, nil
}

// extractBearerToken treats a missing header and a foreign scheme alike.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", auth.ErrTokenRequired
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrTokenRequired
	}
	return token, nil
}
