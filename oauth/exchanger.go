package oauth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/ggoodman/mcp-toolauth/auth"
)

// ExchangerConfig identifies the client registered with the provider. The
// client secret is sent only to the token endpoint.
type ExchangerConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
	// PKCE enables the S256 code challenge on flows started by a
	// CallbackListener.
	PKCE bool
}

func (c ExchangerConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("oauth: client id is required")
	}
	for _, f := range [][2]string{
		{"authorize url", c.AuthorizeURL},
		{"token url", c.TokenURL},
		{"redirect uri", c.RedirectURI},
	} {
		name, raw := f[0], f[1]
		if raw == "" {
			return fmt.Errorf("oauth: %s is required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("oauth: %s %q is not an absolute url", name, raw)
		}
	}
	return nil
}

// TokenResponse is the token endpoint's answer to a successful exchange.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// DefaultExchangeTimeout bounds a token request when no HTTP client is
// supplied.
const DefaultExchangeTimeout = 10 * time.Second

const maxTokenResponse = 1 << 20

// Exchanger drives the authorization code grant against one provider.
type Exchanger struct {
	cfg    ExchangerConfig
	oauth  *oauth2.Config
	client *http.Client
	log    *slog.Logger
}

type ExchangerOption func(*Exchanger)

// WithHTTPClient sets the client used for discovery and token requests.
// Defaults to a client bounded by DefaultExchangeTimeout.
func WithHTTPClient(hc *http.Client) ExchangerOption {
	return func(e *Exchanger) { e.client = hc }
}

func WithLogger(l *slog.Logger) ExchangerOption {
	return func(e *Exchanger) { e.log = l }
}

func NewExchanger(cfg ExchangerConfig, opts ...ExchangerOption) (*Exchanger, error) {
	e := newExchanger(opts)
	if err := e.configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// NewExchangerFromDiscovery fills the authorize and token endpoints from
// issuer's discovery document. PKCE is enabled when the provider advertises
// S256.
func NewExchangerFromDiscovery(ctx context.Context, issuer string, cfg ExchangerConfig, opts ...ExchangerOption) (*Exchanger, error) {
	e := newExchanger(opts)
	meta, err := auth.Discover(ctx, issuer, e.client)
	if err != nil {
		return nil, err
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = meta.AuthorizationEndpoint
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = meta.TokenEndpoint
	}
	if meta.SupportsPKCE() {
		cfg.PKCE = true
	}
	if err := e.configure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func newExchanger(opts []ExchangerOption) *Exchanger {
	e := &Exchanger{}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: DefaultExchangeTimeout}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

func (e *Exchanger) configure(cfg ExchangerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Scopes = slices.Clone(cfg.Scopes)
	e.cfg = cfg
	e.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return nil
}

// Config returns a copy of the client configuration.
func (e *Exchanger) Config() ExchangerConfig {
	c := e.cfg
	c.Scopes = slices.Clone(e.cfg.Scopes)
	return c
}

// AuthorizeURL returns the provider URL the user is sent to. It carries
// client_id, redirect_uri, response_type=code, state and, when configured,
// scope. No network I/O is performed.
func (e *Exchanger) AuthorizeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return e.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades code for a token. state is the value returned on the
// redirect and expectedState the one the flow was started with; if they
// differ no request is made. The exchange is never retried: a failed code
// must be abandoned and a new flow started.
func (e *Exchanger) Exchange(ctx context.Context, code, state, expectedState string, opts ...oauth2.AuthCodeOption) (*TokenResponse, error) {
	if expectedState == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return nil, auth.Reject(auth.KindStateMismatch, "callback state does not match the flow", nil)
	}
	if code == "" {
		return nil, auth.Reject(auth.KindMissingCode, "empty authorization code", nil)
	}
	capture := &capturedResponse{}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, capture.client(e.client))

	start := time.Now()
	tok, err := e.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		rej := tokenEndpointRejection(err, capture)
		e.log.WarnContext(ctx, "oauth.exchange.fail",
			slog.Int("status", rej.Status),
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)))
		return nil, rej
	}

	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		Expiry:       tok.Expiry,
		RefreshToken: tok.RefreshToken,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		resp.Scope = s
	}
	e.log.InfoContext(ctx, "oauth.exchange.ok",
		slog.String("token_type", resp.TokenType),
		slog.Int64("expires_in", resp.ExpiresIn),
		slog.Duration("dur", time.Since(start)))
	return resp, nil
}

// tokenEndpointRejection attaches the provider's status and body. oauth2
// only reports them for non-2xx answers and error codes; for an unusable 2xx
// body they come from the captured response.
func tokenEndpointRejection(err error, capture *capturedResponse) *auth.Rejection {
	rej := auth.Reject(auth.KindTokenEndpointError, "token request failed", err)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		rej.Payload = re.Body
		if re.Response != nil {
			rej.Status = re.Response.StatusCode
		}
		if re.ErrorCode != "" {
			rej.Detail = "provider returned " + re.ErrorCode
		}
		return rej
	}
	if capture.status != 0 {
		rej.Status = capture.status
		rej.Payload = capture.body
		rej.Detail = "unusable token response"
	}
	return rej
}

// capturedResponse records the token endpoint's answer for one exchange.
type capturedResponse struct {
	status int
	body   []byte
}

// client returns a copy of base whose transport records into c.
func (c *capturedResponse) client(base *http.Client) *http.Client {
	hc := *base
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	hc.Transport = &captureTransport{base: rt, into: c}
	return &hc
}

type captureTransport struct {
	base http.RoundTripper
	into *capturedResponse
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	t.into.status = resp.StatusCode
	t.into.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
