package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ProviderMetadata is the subset of an issuer's discovery document used to
// verify its tokens and drive the authorization code flow.
type ProviderMetadata struct {
	Issuer                        string   `json:"issuer"`
	JWKSURI                       string   `json:"jwks_uri"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	ScopesSupported               []string `json:"scopes_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// SupportsPKCE reports whether the provider advertises the S256 challenge
// method.
func (m *ProviderMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// Discover fetches issuer's OpenID Connect discovery document. hc may be nil.
func Discover(ctx context.Context, issuer string, hc *http.Client) (*ProviderMetadata, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if hc != nil {
		ctx = oidc.ClientContext(ctx, hc)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta ProviderMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	var missing []string
	if meta.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}
	return &meta, nil
}

// NewFromDiscovery returns a Verifier for tokens issued by issuer, trusting
// the key set advertised in its discovery document.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...Option) (*Verifier, error) {
	cfg := defaultVerifierConfig()
	cfg.policy.Issuer = issuer
	cfg.policy.Audience = audience
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.policy.Audience == "" {
		return nil, errors.New("audience is required")
	}
	meta, err := Discover(ctx, issuer, cfg.httpClient)
	if err != nil {
		return nil, err
	}
	jwksOpts := []JWKSOption{WithJWKSLogger(cfg.log)}
	if cfg.httpClient != nil {
		jwksOpts = append(jwksOpts, WithJWKSHTTPClient(cfg.httpClient))
	}
	src, err := NewJWKS(meta.JWKSURI, append(jwksOpts, cfg.jwks...)...)
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(src, cfg)
}
