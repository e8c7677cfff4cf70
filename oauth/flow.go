package oauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ggoodman/mcp-toolauth/auth"
)

// Phase is a Flow's position in the authorization code state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingRedirect
	PhaseExchanging
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingRedirect:
		return "awaiting_redirect"
	case PhaseExchanging:
		return "exchanging"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseAuthenticated || p == PhaseFailed }

// Flow is one authorization code attempt. Authenticated and Failed are
// final; retrying means starting a new Flow with a fresh state.
type Flow struct {
	id string
	ex *Exchanger

	mu      sync.Mutex
	phase   Phase
	req     *AuthorizationRequest
	authURL string
	token   *TokenResponse
	err     error
	done    chan struct{}
}

func newFlow(id string, ex *Exchanger) *Flow {
	return &Flow{id: id, ex: ex, done: make(chan struct{})}
}

func (f *Flow) ID() string { return f.id }

func (f *Flow) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// State returns the nonce the provider must echo on the redirect.
func (f *Flow) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.req == nil {
		return ""
	}
	return f.req.State
}

// AuthorizeURL is where the user must be sent to approve the request.
func (f *Flow) AuthorizeURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authURL
}

// Done is closed when the flow reaches a terminal phase.
func (f *Flow) Done() <-chan struct{} { return f.done }

// Wait blocks until the flow finishes or ctx ends. A flow abandoned by ctx is
// marked Failed.
func (f *Flow) Wait(ctx context.Context) (*TokenResponse, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.finish(nil, fmt.Errorf("oauth: flow abandoned: %w", ctx.Err()))
	}
	return f.Result()
}

// Result returns the outcome of a finished flow.
func (f *Flow) Result() (*TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.phase {
	case PhaseAuthenticated:
		return f.token, nil
	case PhaseFailed:
		return nil, f.err
	default:
		return nil, fmt.Errorf("oauth: flow is %s", f.phase)
	}
}

func (f *Flow) begin(req *AuthorizationRequest, authURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != PhaseIdle {
		return fmt.Errorf("oauth: cannot begin a flow that is %s", f.phase)
	}
	f.req = req
	f.authURL = authURL
	f.phase = PhaseAwaitingRedirect
	return nil
}

// complete exchanges code if state belongs to this flow. A wrong state is
// rejected without leaving AwaitingRedirect.
func (f *Flow) complete(ctx context.Context, code, state string) (*TokenResponse, error) {
	f.mu.Lock()
	if f.phase != PhaseAwaitingRedirect {
		phase := f.phase
		f.mu.Unlock()
		return nil, auth.Reject(auth.KindUnknownState, "flow is "+phase.String(), nil)
	}
	req := f.req
	if subtle.ConstantTimeCompare([]byte(state), []byte(req.State)) != 1 {
		f.mu.Unlock()
		return nil, auth.Reject(auth.KindStateMismatch, "callback state does not match the flow", nil)
	}
	f.phase = PhaseExchanging
	f.mu.Unlock()

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	tok, err := f.ex.Exchange(ctx, code, state, req.State, opts...)
	f.finish(tok, err)
	return tok, err
}

// expire reports whether the flow is still waiting for a redirect whose
// authorization request has expired at now.
func (f *Flow) expire(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase == PhaseAwaitingRedirect && f.req != nil && !now.Before(f.req.ExpiresAt)
}

// finish moves a non-terminal flow to Authenticated or Failed.
func (f *Flow) finish(tok *TokenResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase.Terminal() {
		return
	}
	if err != nil {
		f.phase, f.err = PhaseFailed, err
	} else {
		f.phase, f.token = PhaseAuthenticated, tok
	}
	close(f.done)
}
