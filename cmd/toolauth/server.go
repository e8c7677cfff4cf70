package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/mcp-toolauth/auth"
	"github.com/ggoodman/mcp-toolauth/internal/config"
	"github.com/ggoodman/mcp-toolauth/internal/logctx"
	"github.com/ggoodman/mcp-toolauth/internal/wellknown"
	"github.com/ggoodman/mcp-toolauth/keys"
	"github.com/ggoodman/mcp-toolauth/oauth"
	"github.com/ggoodman/mcp-toolauth/oauth/redisstate"
)

const (
	jwksPath      = "/.well-known/jwks.json"
	loginPath     = "/oauth/login"
	defaultRealm  = "tools"
	toolsPrefix   = "/tools/"
	callbackRoute = "/oauth/callback"
)

// server owns everything the serve command wires together.
type server struct {
	cfg      *config.Config
	log      *slog.Logger
	keys     *keys.KeyPair
	verifier *auth.Verifier
	gate     *auth.Gate
	listener *oauth.CallbackListener
	closers  []io.Closer
}

func newServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, log: log}
	v, err := s.buildVerifier(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build verifier: %w", err)
	}
	s.verifier = v

	s.gate, err = auth.NewGate(v,
		auth.WithGateLogger(log),
		auth.WithRealm(defaultRealm),
		auth.WithResourceMetadata(cfg.BaseURL()+wellknown.ProtectedResourcePath),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.OAuthEnabled() {
		if s.listener, err = s.buildListener(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("build callback listener: %w", err)
		}
	}
	return s, nil
}

func (s *server) jwksOptions() []auth.JWKSOption {
	return []auth.JWKSOption{
		auth.WithJWKSTTL(s.cfg.JWKSTTL),
		auth.WithJWKSFetchTimeout(s.cfg.JWKSTimeout),
		auth.WithJWKSLogger(s.log),
	}
}

func (s *server) verifierOptions() []auth.Option {
	opts := []auth.Option{
		auth.WithRequiredScopes(s.cfg.RequiredScopes...),
		auth.WithLeeway(s.cfg.Leeway),
		auth.WithLogger(s.log),
		auth.WithJWKSOptions(s.jwksOptions()...),
	}
	if s.cfg.TokenType != "" {
		opts = append(opts, auth.WithTokenType(s.cfg.TokenType))
	}
	return opts
}

func (s *server) buildVerifier(ctx context.Context) (*auth.Verifier, error) {
	var src auth.TrustSource
	switch s.cfg.Mode() {
	case config.ModeDiscovery:
		return auth.NewFromDiscovery(ctx, s.cfg.Issuer, s.cfg.Audience, s.verifierOptions()...)
	case config.ModeJWKS:
		j, err := auth.NewJWKS(s.cfg.JWKSURL, s.jwksOptions()...)
		if err != nil {
			return nil, err
		}
		src = j
	case config.ModeKeyFile:
		fk, err := auth.NewFileKey(ctx, s.cfg.PublicKeyFile, s.log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, fk)
		src = fk
	default:
		kp, err := keys.Generate()
		if err != nil {
			return nil, err
		}
		s.keys = kp
		sk, err := auth.NewStaticKey(kp.PublicKey())
		if err != nil {
			return nil, err
		}
		src = sk
	}
	return auth.NewVerifier(src, s.cfg.Issuer, s.cfg.Audience, s.verifierOptions()...)
}

func newExchanger(ctx context.Context, cfg *config.Config, log *slog.Logger) (*oauth.Exchanger, error) {
	ec := oauth.ExchangerConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURI:  cfg.OAuth.RedirectURI,
		Scopes:       cfg.OAuth.Scopes,
		PKCE:         cfg.OAuth.PKCE,
	}
	if ec.AuthorizeURL == "" || ec.TokenURL == "" {
		return oauth.NewExchangerFromDiscovery(ctx, cfg.Issuer, ec, oauth.WithLogger(log))
	}
	return oauth.NewExchanger(ec, oauth.WithLogger(log))
}

func (s *server) buildListener(ctx context.Context) (*oauth.CallbackListener, error) {
	ex, err := newExchanger(ctx, s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	opts := []oauth.ListenerOption{
		oauth.WithStateTTL(s.cfg.OAuth.StateTTL),
		oauth.WithListenerLogger(s.log),
		oauth.WithTokenHandler(s.observeToken),
	}
	if s.cfg.StateStore == "redis" {
		store, err := redisstate.New(ctx, s.cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		opts = append(opts, oauth.WithStateStore(store))
	}
	return oauth.NewCallbackListener(ex, opts...)
}

// observeToken logs flow outcomes. Tokens themselves are never logged.
func (s *server) observeToken(ctx context.Context, req *oauth.AuthorizationRequest, tok *oauth.TokenResponse, err error) {
	if err != nil {
		return
	}
	s.log.InfoContext(ctx, "oauth.token.obtained",
		slog.String("token_type", tok.TokenType),
		slog.String("scope", tok.Scope),
		slog.Time("expiry", tok.Expiry),
		slog.Time("requested_at", req.CreatedAt))
}

// callbackPath is the path component of the configured redirect URI.
func callbackPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" {
		return callbackRoute
	}
	return u.Path
}

func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(toolsPrefix, s.gate.Middleware(s.toolsHandler()))

	jwksURL := ""
	if s.keys != nil {
		mux.Handle("GET "+jwksPath, s.keys.JWKSHandler())
		jwksURL = s.cfg.BaseURL() + jwksPath
	}
	mux.Handle("GET "+wellknown.ProtectedResourcePath,
		s.verifier.ResourceMetadata(s.cfg.BaseURL()+"/tools", jwksURL).Handler())

	if s.listener != nil {
		mux.Handle(callbackPath(s.cfg.OAuth.RedirectURI), s.listener)
		mux.HandleFunc("GET "+loginPath, s.handleLogin)
	}
	return logctx.Middleware(mux)
}

// handleLogin starts a browser flow and redirects to the provider.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	f, err := s.listener.Begin(r.Context())
	if err != nil {
		s.log.ErrorContext(r.Context(), "oauth.flow.begin.fail", slog.String("err", err.Error()))
		http.Error(w, "unable to start sign-in", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, f.AuthorizeURL(), http.StatusFound)
}

// devToken mints a token the server accepts in self-issued mode.
func (s *server) devToken(subject string) (string, error) {
	if s.keys == nil {
		return "", errors.New("dev tokens are only available in self-issued mode")
	}
	return s.keys.IssueToken(keys.TokenClaims{
		Subject:  subject,
		Issuer:   s.cfg.Issuer,
		Audience: []string{s.cfg.Audience},
		Scopes:   devScopes(s.cfg.RequiredScopes),
		Type:     s.cfg.TokenType,
	})
}

func (s *server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
