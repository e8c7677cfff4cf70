// Package config decodes the toolauth command's environment into a validated
// Config. Core packages never read the environment themselves.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-toolauth/oauth/redisstate"
)

// Mode selects where the verifier's trust comes from.
type Mode string

const (
	// ModeSelfIssued generates a key pair at startup and trusts only it.
	ModeSelfIssued Mode = "self-issued"
	// ModeKeyFile trusts the PEM public key at TOOLAUTH_PUBLIC_KEY_FILE.
	ModeKeyFile Mode = "key-file"
	// ModeJWKS trusts the key set at TOOLAUTH_JWKS_URL.
	ModeJWKS Mode = "jwks"
	// ModeDiscovery finds the key set through the issuer's discovery document.
	ModeDiscovery Mode = "discovery"
)

// Slices are separated by ';'.
type Config struct {
	Addr      string `env:"TOOLAUTH_ADDR,default=127.0.0.1:8080"`
	PublicURL string `env:"TOOLAUTH_PUBLIC_URL"`

	Issuer         string        `env:"TOOLAUTH_ISSUER,default=https://dev.example.com"`
	Audience       string        `env:"TOOLAUTH_AUDIENCE,default=my-dev-server"`
	RequiredScopes []string      `env:"TOOLAUTH_REQUIRED_SCOPES"`
	TokenType      string        `env:"TOOLAUTH_TOKEN_TYPE"`
	Leeway         time.Duration `env:"TOOLAUTH_LEEWAY,default=60s"`

	JWKSURL       string        `env:"TOOLAUTH_JWKS_URL"`
	JWKSTTL       time.Duration `env:"TOOLAUTH_JWKS_TTL,default=10m"`
	JWKSTimeout   time.Duration `env:"TOOLAUTH_JWKS_TIMEOUT,default=5s"`
	PublicKeyFile string        `env:"TOOLAUTH_PUBLIC_KEY_FILE"`
	Discovery     bool          `env:"TOOLAUTH_DISCOVERY,default=false"`

	OAuth OAuthConfig

	// StateStore is "memory" or "redis".
	StateStore string `env:"TOOLAUTH_STATE_STORE,default=memory"`
	Redis      redisstate.Config

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// OAuthConfig enables the authorization code flow when ClientID is set.
type OAuthConfig struct {
	ClientID     string        `env:"OAUTH_CLIENT_ID"`
	ClientSecret string        `env:"OAUTH_CLIENT_SECRET"`
	AuthorizeURL string        `env:"OAUTH_AUTHORIZE_URL"`
	TokenURL     string        `env:"OAUTH_TOKEN_URL"`
	RedirectURI  string        `env:"OAUTH_REDIRECT_URI"`
	Scopes       []string      `env:"OAUTH_SCOPES"`
	PKCE         bool          `env:"OAUTH_PKCE,default=true"`
	StateTTL     time.Duration `env:"OAUTH_STATE_TTL,default=10m"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Mode reports the trust source implied by the configuration.
func (c *Config) Mode() Mode {
	switch {
	case c.PublicKeyFile != "":
		return ModeKeyFile
	case c.JWKSURL != "":
		return ModeJWKS
	case c.Discovery:
		return ModeDiscovery
	default:
		return ModeSelfIssued
	}
}

// OAuthEnabled reports whether an authorization code client is configured.
func (c *Config) OAuthEnabled() bool { return c.OAuth.ClientID != "" }

// BaseURL is the externally visible origin, defaulting to http://Addr.
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://" + c.Addr
}

func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c *Config) Validate() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("TOOLAUTH_ISSUER is required"))
	}
	if c.Audience == "" {
		errs = append(errs, errors.New("TOOLAUTH_AUDIENCE is required"))
	}

	sources := 0
	for _, set := range []bool{c.PublicKeyFile != "", c.JWKSURL != "", c.Discovery} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		errs = append(errs, errors.New("only one of TOOLAUTH_PUBLIC_KEY_FILE, TOOLAUTH_JWKS_URL and TOOLAUTH_DISCOVERY may be set"))
	}
	if c.JWKSURL != "" {
		if err := absoluteURL("TOOLAUTH_JWKS_URL", c.JWKSURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Discovery || c.OAuthEnabled() && (c.OAuth.AuthorizeURL == "" || c.OAuth.TokenURL == "") {
		if err := absoluteURL("TOOLAUTH_ISSUER", c.Issuer); err != nil {
			errs = append(errs, err)
		}
	}
	if c.PublicURL != "" {
		if err := absoluteURL("TOOLAUTH_PUBLIC_URL", c.PublicURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Leeway < 0 {
		errs = append(errs, errors.New("TOOLAUTH_LEEWAY must not be negative"))
	}

	if c.OAuthEnabled() {
		if c.OAuth.RedirectURI == "" {
			errs = append(errs, errors.New("OAUTH_REDIRECT_URI is required when OAUTH_CLIENT_ID is set"))
		} else if err := absoluteURL("OAUTH_REDIRECT_URI", c.OAuth.RedirectURI); err != nil {
			errs = append(errs, err)
		}
		if (c.OAuth.AuthorizeURL == "") != (c.OAuth.TokenURL == "") {
			errs = append(errs, errors.New("OAUTH_AUTHORIZE_URL and OAUTH_TOKEN_URL must be set together"))
		}
	}

	switch c.StateStore {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("TOOLAUTH_STATE_STORE %q must be memory or redis", c.StateStore))
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel))
	}
	return errors.Join(errs...)
}

func absoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute url", name, raw)
	}
	return nil
}
