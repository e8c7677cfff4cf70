// Package authtest runs an in-process identity provider for tests: OpenID
// discovery, a JWKS endpoint that counts fetches, and authorization and token
// endpoints implementing the authorization code grant with optional PKCE.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ggoodman/mcp-toolauth/keys"
)

// Config describes the provider's registered client and the tokens it mints.
type Config struct {
	ClientID     string
	ClientSecret string
	Audience     string
	// Scopes granted when the authorize request names none.
	DefaultScopes []string
}

type grant struct {
	clientID    string
	redirectURI string
	challenge   string
	scopes      []string
	subject     string
}

// Provider is a fake OAuth2 / OIDC identity provider.
type Provider struct {
	Server *httptest.Server

	cfg Config

	mu     sync.Mutex
	grants map[string]grant

	jwksFetches   atomic.Int64
	tokenRequests atomic.Int64
	keys          atomic.Pointer[keys.KeyPair]
	jwksHandler   atomic.Pointer[http.Handler]
	subject       atomic.Pointer[string]
}

// NewProvider starts a provider and stops it when t ends.
func NewProvider(t testing.TB, cfg Config) *Provider {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "test-client"
	}
	if cfg.Audience == "" {
		cfg.Audience = "test-audience"
	}
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &Provider{cfg: cfg, grants: map[string]grant{}}
	p.keys.Store(kp)
	sub := "user-123"
	p.subject.Store(&sub)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		p.jwksFetches.Add(1)
		if h := p.jwksHandler.Load(); h != nil {
			(*h).ServeHTTP(w, r)
			return
		}
		p.Keys().JWKSHandler().ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /authorize", p.serveAuthorize)
	mux.HandleFunc("POST /token", p.serveToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Keys returns the current signing key pair.
func (p *Provider) Keys() *keys.KeyPair { return p.keys.Load() }

func (p *Provider) Issuer() string       { return p.Server.URL }
func (p *Provider) Audience() string     { return p.cfg.Audience }
func (p *Provider) ClientID() string     { return p.cfg.ClientID }
func (p *Provider) ClientSecret() string { return p.cfg.ClientSecret }
func (p *Provider) JWKSURL() string      { return p.Server.URL + "/jwks" }
func (p *Provider) AuthorizeURL() string { return p.Server.URL + "/authorize" }
func (p *Provider) TokenURL() string     { return p.Server.URL + "/token" }

// JWKSFetches reports how many times the key set was requested.
func (p *Provider) JWKSFetches() int64 { return p.jwksFetches.Load() }

// TokenRequests reports how many times the token endpoint was called.
func (p *Provider) TokenRequests() int64 { return p.tokenRequests.Load() }

// SetJWKSHandler replaces the key set endpoint, e.g. to inject delays or
// failures. A nil handler restores the default.
func (p *Provider) SetJWKSHandler(h http.Handler) {
	if h == nil {
		p.jwksHandler.Store(nil)
		return
	}
	p.jwksHandler.Store(&h)
}

// SetSubject sets the sub claim of tokens minted by the token endpoint.
func (p *Provider) SetSubject(sub string) { p.subject.Store(&sub) }

// RotateKeys replaces the signing key. Previously issued tokens no longer
// match the published key set.
func (p *Provider) RotateKeys(t testing.TB) {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p.keys.Store(kp)
}

// Token mints an access token for this provider's issuer and audience.
func (p *Provider) Token(t testing.TB, claims keys.TokenClaims) string {
	t.Helper()
	if claims.Issuer == "" {
		claims.Issuer = p.Issuer()
	}
	if len(claims.Audience) == 0 {
		claims.Audience = []string{p.cfg.Audience}
	}
	if claims.Subject == "" {
		claims.Subject = *p.subject.Load()
	}
	tok, err := p.Keys().IssueToken(claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"jwks_uri":                              p.JWKSURL(),
		"authorization_endpoint":                p.AuthorizeURL(),
		"token_endpoint":                        p.TokenURL(),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      p.cfg.DefaultScopes,
	})
}

// serveAuthorize approves every request immediately and redirects back with
// a fresh code.
func (p *Provider) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != p.cfg.ClientID {
		http.Error(w, "invalid authorize request", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	scopes := strings.Fields(q.Get("scope"))
	if len(scopes) == 0 {
		scopes = p.cfg.DefaultScopes
	}
	code := p.IssueCode(q.Get("redirect_uri"), q.Get("code_challenge"), scopes...)

	back := redirect.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// IssueCode registers an authorization code as if the user had approved a
// request for redirectURI. challenge is the S256 PKCE challenge, or empty.
func (p *Provider) IssueCode(redirectURI, challenge string, scopes ...string) string {
	code := uuid.NewString()
	p.mu.Lock()
	p.grants[code] = grant{
		clientID:    p.cfg.ClientID,
		redirectURI: redirectURI,
		challenge:   challenge,
		scopes:      append([]string(nil), scopes...),
		subject:     *p.subject.Load(),
	}
	p.mu.Unlock()
	return code
}

func (p *Provider) serveToken(w http.ResponseWriter, r *http.Request) {
	p.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type", "")
		return
	}
	if r.PostForm.Get("client_id") != p.cfg.ClientID || r.PostForm.Get("client_secret") != p.cfg.ClientSecret {
		tokenError(w, "invalid_client", "client authentication failed")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, ok := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()
	if !ok {
		tokenError(w, "invalid_grant", "unknown or used code")
		return
	}
	if g.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if g.challenge != "" && oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != g.challenge {
		tokenError(w, "invalid_grant", "code_verifier mismatch")
		return
	}

	tok, err := p.Keys().IssueToken(keys.TokenClaims{
		Subject:  g.subject,
		Issuer:   p.Issuer(),
		Audience: []string{p.cfg.Audience},
		Scopes:   g.scopes,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "bearer",
		"expires_in":   int(keys.DefaultTokenTTL.Seconds()),
		"scope":        strings.Join(g.scopes, " "),
	})
}

func tokenError(w http.ResponseWriter, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
