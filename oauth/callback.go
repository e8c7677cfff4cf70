package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ggoodman/mcp-toolauth/auth"
	"github.com/ggoodman/mcp-toolauth/internal/logctx"
)

// DefaultStateTTL bounds how long a started flow waits for its redirect.
const DefaultStateTTL = 10 * time.Minute

var (
	textMediaType  = contenttype.NewMediaType("text/plain")
	htmlMediaType  = contenttype.NewMediaType("text/html")
	pageMediaTypes = []contenttype.MediaType{textMediaType, htmlMediaType}
)

// TokenHandler observes every callback outcome. It runs on the callback
// request, after the flow (if local) has finished. req is nil when the state
// was unknown.
type TokenHandler func(ctx context.Context, req *AuthorizationRequest, tok *TokenResponse, err error)

// CallbackListener starts flows and receives the provider's redirect.
type CallbackListener struct {
	ex      *Exchanger
	store   StateStore
	ttl     time.Duration
	log     *slog.Logger
	onToken TokenHandler
	now     func() time.Time

	mu    sync.Mutex
	flows map[string]*Flow
}

type ListenerOption func(*CallbackListener)

// WithStateStore replaces the default in-memory store, e.g. with a shared
// store when several replicas may receive the callback.
func WithStateStore(s StateStore) ListenerOption {
	return func(l *CallbackListener) { l.store = s }
}

func WithStateTTL(d time.Duration) ListenerOption {
	return func(l *CallbackListener) { l.ttl = d }
}

func WithListenerLogger(log *slog.Logger) ListenerOption {
	return func(l *CallbackListener) { l.log = log }
}

// WithTokenHandler registers h to observe callback outcomes.
func WithTokenHandler(h TokenHandler) ListenerOption {
	return func(l *CallbackListener) { l.onToken = h }
}

func NewCallbackListener(ex *Exchanger, opts ...ListenerOption) (*CallbackListener, error) {
	if ex == nil {
		return nil, errors.New("oauth: exchanger is required")
	}
	l := &CallbackListener{ex: ex, ttl: DefaultStateTTL, now: time.Now, flows: map[string]*Flow{}}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.ttl <= 0 {
		l.ttl = DefaultStateTTL
	}
	return l, nil
}

// Begin starts a flow: a fresh state (and PKCE verifier when enabled) is
// recorded and the flow moves to AwaitingRedirect.
func (l *CallbackListener) Begin(ctx context.Context) (*Flow, error) {
	cfg := l.ex.Config()
	now := l.now()
	req := &AuthorizationRequest{
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		State:       oauth2.GenerateVerifier(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}
	var opts []oauth2.AuthCodeOption
	if cfg.PKCE {
		req.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}

	if err := l.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("store authorization request: %w", err)
	}
	f := newFlow(uuid.NewString(), l.ex)
	if err := f.begin(req, l.ex.AuthorizeURL(req.State, opts...)); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.sweepLocked(now)
	l.flows[req.State] = f
	l.mu.Unlock()

	l.log.InfoContext(logctx.WithFlowData(ctx, &logctx.FlowData{FlowID: f.ID()}), "oauth.flow.begin",
		slog.Bool("pkce", cfg.PKCE),
		slog.Time("expires_at", req.ExpiresAt))
	return f, nil
}

// sweepLocked drops finished flows and fails those whose redirect did not
// arrive before their state expired.
func (l *CallbackListener) sweepLocked(now time.Time) {
	for state, f := range l.flows {
		if f.expire(now) {
			f.finish(nil, auth.Reject(auth.KindUnknownState, "authorization request expired", nil))
		}
		if f.Phase().Terminal() {
			delete(l.flows, state)
		}
	}
}

func (l *CallbackListener) takeFlow(state string) *Flow {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.flows[state]
	delete(l.flows, state)
	return f
}

// Complete handles one redirect's query parameters. The state is consumed
// before anything else so that a replayed callback finds nothing.
func (l *CallbackListener) Complete(ctx context.Context, query url.Values) (*TokenResponse, error) {
	state := query.Get("state")
	if state == "" {
		err := auth.Reject(auth.KindUnknownState, "callback carried no state", nil)
		l.notify(ctx, nil, nil, err)
		return nil, err
	}
	req, err := l.store.Consume(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		l.log.WarnContext(ctx, "oauth.callback.unknown_state")
		err := auth.Reject(auth.KindUnknownState, "state is unknown, used or expired", err)
		l.notify(ctx, nil, nil, err)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}

	f := l.takeFlow(state)
	if f != nil {
		ctx = logctx.WithFlowData(ctx, &logctx.FlowData{FlowID: f.ID()})
	}

	code := query.Get("code")
	if code == "" {
		l.log.WarnContext(ctx, "oauth.callback.missing_code",
			slog.String("provider_error", query.Get("error")),
			slog.String("provider_error_description", query.Get("error_description")))
		detail := "redirect carried no code"
		if pe := query.Get("error"); pe != "" {
			detail = "provider returned " + pe
		}
		err := auth.Reject(auth.KindMissingCode, detail, nil)
		if f != nil {
			f.finish(nil, err)
		}
		l.notify(ctx, req, nil, err)
		return nil, err
	}

	var tok *TokenResponse
	if f != nil {
		tok, err = f.complete(ctx, code, state)
	} else {
		// Started by another replica sharing the store.
		var opts []oauth2.AuthCodeOption
		if req.CodeVerifier != "" {
			opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
		}
		tok, err = l.ex.Exchange(ctx, code, state, req.State, opts...)
	}
	l.notify(ctx, req, tok, err)
	return tok, err
}

func (l *CallbackListener) notify(ctx context.Context, req *AuthorizationRequest, tok *TokenResponse, err error) {
	if l.onToken != nil {
		l.onToken(ctx, req, tok, err)
	}
}

// ServeHTTP handles GET on the redirect URI and answers the browser with a
// short plain-text (or HTML, when preferred) message.
func (l *CallbackListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	_, err := l.Complete(ctx, r.URL.Query())

	status, msg := http.StatusOK, "Authentication complete. You can close this window."
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnknownState), errors.Is(err, auth.ErrMissingCode), errors.Is(err, auth.ErrStateMismatch):
		status, msg = http.StatusBadRequest, "Authentication failed: the sign-in request is invalid or has expired. Please start again."
	case errors.Is(err, auth.ErrTokenEndpoint):
		status, msg = http.StatusBadGateway, "Authentication failed: the identity provider rejected the sign-in. Please start again."
	default:
		l.log.ErrorContext(ctx, "oauth.callback.err", slog.String("err", err.Error()))
		status, msg = http.StatusInternalServerError, "Authentication failed. Please start again."
	}
	if err != nil {
		l.log.InfoContext(ctx, "oauth.callback.fail", slog.String("kind", auth.KindOf(err).String()), slog.String("err", err.Error()))
	}
	writePage(w, r, status, msg)
}

func writePage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	mt, _, err := contenttype.GetAcceptableMediaType(r, pageMediaTypes)
	if err == nil && mt.Matches(htmlMediaType) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, "<!doctype html><html><head><title>Sign-in</title></head><body><p>%s</p></body></html>\n", html.EscapeString(msg))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}
