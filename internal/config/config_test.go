package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOOLAUTH_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.Mode() != ModeSelfIssued {
		t.Fatalf("Mode = %q, want self-issued", cfg.Mode())
	}
	if cfg.Leeway != 60*time.Second || cfg.JWKSTTL != 10*time.Minute || cfg.JWKSTimeout != 5*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if !cfg.OAuth.PKCE || cfg.OAuth.StateTTL != 10*time.Minute {
		t.Fatalf("unexpected oauth defaults: %+v", cfg.OAuth)
	}
	if cfg.OAuthEnabled() {
		t.Fatal("oauth should be disabled without a client id")
	}
	if cfg.Redis.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", cfg.Redis.RedisAddr)
	}
	if cfg.BaseURL() != "http://127.0.0.1:8080" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL())
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TOOLAUTH_ISSUER", "https://issuer.example")
	t.Setenv("TOOLAUTH_AUDIENCE", "tools")
	t.Setenv("TOOLAUTH_REQUIRED_SCOPES", "read; write")
	t.Setenv("TOOLAUTH_JWKS_URL", "https://issuer.example/jwks")
	t.Setenv("TOOLAUTH_PUBLIC_URL", "https://tools.example.com/")
	t.Setenv("OAUTH_CLIENT_ID", "cli")
	t.Setenv("OAUTH_REDIRECT_URI", "http://127.0.0.1:9999/oauth/callback")
	t.Setenv("OAUTH_AUTHORIZE_URL", "https://issuer.example/authorize")
	t.Setenv("OAUTH_TOKEN_URL", "https://issuer.example/token")
	t.Setenv("OAUTH_SCOPES", "openid;read")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != ModeJWKS {
		t.Fatalf("Mode = %q", cfg.Mode())
	}
	if got := strings.Join(cfg.RequiredScopes, ","); got != "read,write" {
		t.Fatalf("RequiredScopes = %q", got)
	}
	if got := strings.Join(cfg.OAuth.Scopes, ","); got != "openid,read" {
		t.Fatalf("OAuth.Scopes = %q", got)
	}
	if !cfg.OAuthEnabled() {
		t.Fatal("oauth should be enabled")
	}
	if cfg.BaseURL() != "https://tools.example.com" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL())
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("SlogLevel = %v", cfg.SlogLevel())
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("TOOLAUTH_LEEWAY", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestMode(t *testing.T) {
	cases := []struct {
		cfg  Config
		want Mode
	}{
		{Config{}, ModeSelfIssued},
		{Config{PublicKeyFile: "/etc/key.pem"}, ModeKeyFile},
		{Config{JWKSURL: "https://x/jwks"}, ModeJWKS},
		{Config{Discovery: true}, ModeDiscovery},
	}
	for _, tc := range cases {
		if got := tc.cfg.Mode(); got != tc.want {
			t.Errorf("Mode(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Addr:       "127.0.0.1:0",
			Issuer:     "https://issuer.example",
			Audience:   "tools",
			StateStore: "memory",
			LogLevel:   "info",
		}
	}

	if cfg := valid(); cfg.Validate() != nil {
		t.Fatalf("baseline config rejected: %v", cfg.Validate())
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no issuer", func(c *Config) { c.Issuer = "" }, "TOOLAUTH_ISSUER"},
		{"no audience", func(c *Config) { c.Audience = "" }, "TOOLAUTH_AUDIENCE"},
		{"two sources", func(c *Config) { c.JWKSURL = "https://x/jwks"; c.PublicKeyFile = "k.pem" }, "only one of"},
		{"relative jwks", func(c *Config) { c.JWKSURL = "/jwks" }, "TOOLAUTH_JWKS_URL"},
		{"discovery needs url issuer", func(c *Config) { c.Discovery = true; c.Issuer = "dev" }, "TOOLAUTH_ISSUER"},
		{"negative leeway", func(c *Config) { c.Leeway = -time.Second }, "TOOLAUTH_LEEWAY"},
		{"oauth no redirect", func(c *Config) { c.OAuth.ClientID = "cli" }, "OAUTH_REDIRECT_URI"},
		{"oauth half endpoints", func(c *Config) {
			c.OAuth.ClientID = "cli"
			c.OAuth.RedirectURI = "http://127.0.0.1/cb"
			c.OAuth.TokenURL = "https://issuer.example/token"
		}, "must be set together"},
		{"bad store", func(c *Config) { c.StateStore = "etcd" }, "TOOLAUTH_STATE_STORE"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
