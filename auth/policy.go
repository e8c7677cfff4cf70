package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/mcp-toolauth/internal/jwks"
)

// DefaultLeeway is the clock skew tolerated on exp and nbf.
const DefaultLeeway = 60 * time.Second

// TokenPolicy is what a Verifier requires of every token. It is copied when
// the Verifier is built and never changes afterwards.
type TokenPolicy struct {
	Issuer         string
	Audience       string
	RequiredScopes []string
	// AllowedAlgs defaults to ["RS256"]. "none" is never accepted.
	AllowedAlgs []string
	Leeway      time.Duration
	// TokenType, when set, must match the JOSE "typ" header
	// (for example "at+jwt"). Matching is case-insensitive and tolerates an
	// "application/" prefix.
	TokenType string
}

func (p TokenPolicy) clone() TokenPolicy {
	p.RequiredScopes = slices.Clone(p.RequiredScopes)
	p.AllowedAlgs = slices.Clone(p.AllowedAlgs)
	return p
}

// Validate reports whether the policy can be enforced.
func (p TokenPolicy) Validate() error {
	if p.Issuer == "" {
		return errors.New("auth: issuer is required")
	}
	if p.Audience == "" {
		return errors.New("auth: audience is required")
	}
	if len(p.AllowedAlgs) == 0 {
		return errors.New("auth: at least one algorithm must be allowed")
	}
	for _, alg := range p.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			return errors.New(`auth: algorithm "none" is not allowed`)
		}
	}
	if p.Leeway < 0 {
		return errors.New("auth: leeway must not be negative")
	}
	return nil
}

type verifierConfig struct {
	policy     TokenPolicy
	log        *slog.Logger
	now        func() time.Time
	httpClient *http.Client
	jwks       []JWKSOption
}

func defaultVerifierConfig() *verifierConfig {
	return &verifierConfig{
		policy: TokenPolicy{
			AllowedAlgs: []string{"RS256"},
			Leeway:      DefaultLeeway,
		},
		now: time.Now,
	}
}

// Option configures optional aspects of a Verifier.
type Option func(*verifierConfig)

// WithRequiredScopes requires all of scopes to be granted by the token.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *verifierConfig) {
		c.policy.RequiredScopes = append([]string(nil), scopes...)
	}
}

// WithAllowedAlgs restricts the accepted JWS algorithms. Defaults to RS256.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *verifierConfig) {
		c.policy.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *verifierConfig) { c.policy.Leeway = d }
}

// WithTokenType enforces the JOSE "typ" header, e.g. "at+jwt" for RFC 9068
// access tokens.
func WithTokenType(typ string) Option {
	return func(c *verifierConfig) { c.policy.TokenType = typ }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *verifierConfig) { c.log = l }
}

// WithClock overrides the time source used for exp and nbf checks.
func WithClock(now func() time.Time) Option {
	return func(c *verifierConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithHTTPClient sets the client used for discovery and key set fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *verifierConfig) { c.httpClient = hc }
}

// WithJWKSOptions tunes the key set cache built by NewFromDiscovery.
func WithJWKSOptions(opts ...JWKSOption) Option {
	return func(c *verifierConfig) { c.jwks = append(c.jwks, opts...) }
}

// JWKSOption tunes a remote key set cache.
type JWKSOption func(*jwks.Config)

// WithJWKSTTL sets how long a fetched key set is trusted before refetching.
func WithJWKSTTL(d time.Duration) JWKSOption {
	return func(c *jwks.Config) { c.TTL = d }
}

// WithJWKSFetchTimeout bounds a single key set fetch.
func WithJWKSFetchTimeout(d time.Duration) JWKSOption {
	return func(c *jwks.Config) { c.FetchTimeout = d }
}

// WithJWKSMinRefreshInterval rate limits refetches caused by unknown key ids.
func WithJWKSMinRefreshInterval(d time.Duration) JWKSOption {
	return func(c *jwks.Config) { c.MinRefreshInterval = d }
}

// WithJWKSStaleGrace sets how long past its TTL a key set may still be used
// when refreshing it fails. Zero disables the fallback.
func WithJWKSStaleGrace(d time.Duration) JWKSOption {
	return func(c *jwks.Config) { c.StaleGrace = d }
}

func WithJWKSHTTPClient(hc *http.Client) JWKSOption {
	return func(c *jwks.Config) { c.HTTPClient = hc }
}

func WithJWKSLogger(l *slog.Logger) JWKSOption {
	return func(c *jwks.Config) { c.Logger = l }
}

// WithJWKSClock overrides the cache's time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *jwks.Config) { c.Now = now }
}
