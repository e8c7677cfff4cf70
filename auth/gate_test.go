package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-toolauth/keys"
)

type recordingHandler struct {
	called    bool
	principal *Principal
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.principal, _ = PrincipalFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func newTestGate(t *testing.T, opts ...Option) (*Gate, *keys.KeyPair) {
	t.Helper()
	kp := genKey(t)
	v := staticVerifier(t, kp, opts...)
	g, err := NewGate(v, WithRealm("tools"), WithResourceMetadata("https://tools.example.com/.well-known/oauth-protected-resource"))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g, kp
}

func serve(g *Gate, next http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/tools/add", strings.NewReader(`{}`))
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)
	return rec
}

func TestGate_MissingHeaderNeverRunsHandler(t *testing.T) {
	g, _ := newTestGate(t)
	next := &recordingHandler{}

	rec := serve(g, next, "")
	if next.called {
		t.Fatalf("handler executed without credentials")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	got := rec.Header().Get("WWW-Authenticate")
	want := `Bearer realm="tools", resource_metadata="https://tools.example.com/.well-known/oauth-protected-resource"`
	if got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}

	_, err := g.Authorize(context.Background(), "")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("want MissingCredential, got %v", err)
	}
}

func TestGate_AuthorizeHeaderForms(t *testing.T) {
	g, kp := newTestGate(t)
	tok := issue(t, kp, keys.TokenClaims{})

	tests := []struct {
		name   string
		header string
		want   Kind
	}{
		{"basic scheme", "Basic dXNlcjpwYXNz", KindMissingCredential},
		{"scheme only", "Bearer", KindMissingCredential},
		{"scheme and spaces", "Bearer    ", KindMissingCredential},
		{"token without scheme", tok, KindMissingCredential},
		{"bearer", "Bearer " + tok, 0},
		{"lowercase scheme", "bearer " + tok, 0},
		{"extra whitespace", "  Bearer   " + tok + "  ", 0},
		{"garbage token", "Bearer abc", KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := g.Authorize(context.Background(), tt.header)
			if tt.want == 0 {
				if err != nil {
					t.Fatalf("authorize: %v", err)
				}
				if p.Subject() != "user-123" {
					t.Fatalf("subject = %q", p.Subject())
				}
				return
			}
			if KindOf(err) != tt.want {
				t.Fatalf("kind = %v, want %v (%v)", KindOf(err), tt.want, err)
			}
		})
	}
}

func TestGate_InvalidTokenIsUniform(t *testing.T) {
	g, kp := newTestGate(t)
	expired := issue(t, kp, keys.TokenClaims{TTL: -time.Hour})
	foreign := issue(t, genKey(t), keys.TokenClaims{})

	var bodies []string
	for _, tok := range []string{expired, foreign, "junk"} {
		next := &recordingHandler{}
		rec := serve(g, next, "Bearer "+tok)
		if next.called {
			t.Fatalf("handler executed for invalid token")
		}
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		ch := rec.Header().Get("WWW-Authenticate")
		if !strings.Contains(ch, `error="invalid_token"`) {
			t.Fatalf("challenge = %q", ch)
		}
		body, _ := io.ReadAll(rec.Body)
		bodies = append(bodies, ch+"|"+string(body))
	}
	for _, b := range bodies[1:] {
		if b != bodies[0] {
			t.Fatalf("responses differ by rejection kind:\n%s\n%s", bodies[0], b)
		}
	}
}

func TestGate_InsufficientScopeIs403(t *testing.T) {
	g, kp := newTestGate(t, WithRequiredScopes("read", "write"))
	next := &recordingHandler{}

	rec := serve(g, next, "Bearer "+issue(t, kp, keys.TokenClaims{Scopes: []string{"read"}}))
	if next.called {
		t.Fatalf("handler executed")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	ch := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(ch, `error="insufficient_scope"`) || !strings.Contains(ch, `scope="read write"`) {
		t.Fatalf("challenge = %q", ch)
	}
}

func TestGate_SuccessPassesPrincipal(t *testing.T) {
	g, kp := newTestGate(t, WithRequiredScopes("read"))
	next := &recordingHandler{}

	rec := serve(g, next, "Bearer "+issue(t, kp, keys.TokenClaims{Subject: "bob", Scopes: []string{"read"}}))
	if rec.Code != http.StatusOK || !next.called {
		t.Fatalf("status = %d called = %v", rec.Code, next.called)
	}
	if next.principal == nil || next.principal.Subject() != "bob" {
		t.Fatalf("principal = %+v", next.principal)
	}
}

func TestGate_RequireScopes(t *testing.T) {
	g, kp := newTestGate(t)
	tok := issue(t, kp, keys.TokenClaims{Scopes: []string{"read"}})

	tests := []struct {
		name   string
		scopes []string
		status int
	}{
		{"granted", []string{"read"}, http.StatusOK},
		{"missing", []string{"read", "admin"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &recordingHandler{}
			rec := serve(g, g.RequireScopes(tt.scopes...)(next), "Bearer "+tok)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if next.called != (tt.status == http.StatusOK) {
				t.Fatalf("handler called = %v", next.called)
			}
		})
	}

	t.Run("without gate", func(t *testing.T) {
		next := &recordingHandler{}
		rec := httptest.NewRecorder()
		g.RequireScopes("read")(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized || next.called {
			t.Fatalf("status = %d called = %v", rec.Code, next.called)
		}
	})
}

func TestPrincipalFromContext_Empty(t *testing.T) {
	if p, ok := PrincipalFromContext(context.Background()); ok || p != nil {
		t.Fatalf("unexpected principal %v", p)
	}
}

func TestNewGate_RequiresVerifier(t *testing.T) {
	if _, err := NewGate(nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGate_ScopeHintOverridesRequiredScopes(t *testing.T) {
	kp := genKey(t)
	v := staticVerifier(t, kp, WithRequiredScopes("read", "write"))
	g, err := NewGate(v, WithRealm("tools"), WithScopeHint("tools:add", "tools:admin"))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	rec := serve(g, &recordingHandler{}, "Bearer "+issue(t, kp, keys.TokenClaims{Scopes: []string{"read"}}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	ch := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(ch, `scope="tools:add tools:admin"`) {
		t.Fatalf("challenge = %q", ch)
	}
}
