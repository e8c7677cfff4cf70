package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/ggoodman/mcp-toolauth/internal/logctx"
)

// Gate is the single check every protected request passes through. It
// extracts the bearer credential, verifies it and hands the Principal to the
// next handler.
type Gate struct {
	verifier         TokenVerifier
	log              *slog.Logger
	realm            string
	resourceMetadata string
	scopeHint        []string
}

type GateOption func(*Gate)

func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

// WithRealm sets the realm parameter of Bearer challenges.
func WithRealm(realm string) GateOption {
	return func(g *Gate) { g.realm = realm }
}

// WithResourceMetadata advertises the RFC 9728 protected resource metadata
// URL in Bearer challenges.
func WithResourceMetadata(url string) GateOption {
	return func(g *Gate) { g.resourceMetadata = url }
}

// WithScopeHint sets the scopes listed in insufficient_scope challenges.
// Defaults to the verifier's required scopes.
func WithScopeHint(scopes ...string) GateOption {
	return func(g *Gate) { g.scopeHint = append([]string(nil), scopes...) }
}

func NewGate(v TokenVerifier, opts ...GateOption) (*Gate, error) {
	if v == nil {
		return nil, errors.New("auth: verifier is required")
	}
	g := &Gate{verifier: v}
	if pv, ok := v.(*Verifier); ok {
		g.scopeHint = pv.Policy().RequiredScopes
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g, nil
}

// Authorize checks an Authorization header value. A missing header or a
// scheme other than Bearer yields a KindMissingCredential rejection.
func (g *Gate) Authorize(ctx context.Context, header string) (*Principal, error) {
	tok, ok := bearerToken(header)
	if !ok {
		return nil, Reject(KindMissingCredential, "no bearer credential", nil)
	}
	return g.verifier.Verify(ctx, tok)
}

func bearerToken(header string) (string, bool) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(rest)
	return tok, tok != ""
}

// Middleware rejects requests without a valid bearer token before next runs.
// The verified Principal is available to next via PrincipalFromContext.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := g.Authorize(ctx, r.Header.Get("Authorization"))
		if err != nil {
			g.log.InfoContext(ctx, "auth.check.fail",
				slog.String("kind", KindOf(err).String()),
				slog.String("err", err.Error()))
			writeChallenge(w, challengeFor(err, g.realm, g.resourceMetadata, g.scopeHint))
			return
		}
		ctx = withPrincipal(ctx, p)
		ctx = logctx.WithPrincipalData(ctx, &logctx.PrincipalData{Subject: p.Subject(), Scopes: p.Scopes()})
		g.log.DebugContext(ctx, "auth.check.ok")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScopes returns middleware, mounted behind Middleware, that demands
// scopes beyond the verifier's blanket policy.
func (g *Gate) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	scopes = slices.Clone(scopes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, ok := PrincipalFromContext(ctx)
			if !ok {
				err := Reject(KindMissingCredential, "no principal on request", nil)
				g.log.InfoContext(ctx, "auth.scope.fail", slog.String("err", err.Error()))
				writeChallenge(w, challengeFor(err, g.realm, g.resourceMetadata, scopes))
				return
			}
			var missing []string
			for _, s := range scopes {
				if !p.HasScope(s) {
					missing = append(missing, s)
				}
			}
			if len(missing) > 0 {
				err := Reject(KindInsufficientScope, "missing "+strings.Join(missing, " "), nil)
				g.log.InfoContext(ctx, "auth.scope.fail", slog.String("err", err.Error()))
				writeChallenge(w, challengeFor(err, g.realm, g.resourceMetadata, scopes))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
