package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/mcp-toolauth/keys"
)

const (
	devIssuer   = "https://dev.example.com"
	devAudience = "my-dev-server"
)

func genKey(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp
}

func issue(t *testing.T, kp *keys.KeyPair, c keys.TokenClaims) string {
	t.Helper()
	if c.Issuer == "" {
		c.Issuer = devIssuer
	}
	if c.Audience == nil {
		c.Audience = []string{devAudience}
	}
	if c.Subject == "" {
		c.Subject = "user-123"
	}
	tok, err := kp.IssueToken(c)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func staticVerifier(t *testing.T, kp *keys.KeyPair, opts ...Option) *Verifier {
	t.Helper()
	src, err := NewStaticKey(kp.PublicKey())
	if err != nil {
		t.Fatalf("static key: %v", err)
	}
	v, err := NewVerifier(src, devIssuer, devAudience, opts...)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifier_HappyPath(t *testing.T) {
	kp := genKey(t)
	v := staticVerifier(t, kp, WithRequiredScopes("read"))

	tok := issue(t, kp, keys.TokenClaims{Subject: "alice", Scopes: []string{"read", "write"}})
	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject() != "alice" {
		t.Fatalf("subject = %q, want alice", p.Subject())
	}
	if p.Issuer() != devIssuer {
		t.Fatalf("issuer = %q", p.Issuer())
	}
	if !reflect.DeepEqual(p.Audience(), []string{devAudience}) {
		t.Fatalf("audience = %v", p.Audience())
	}
	if !reflect.DeepEqual(p.Scopes(), []string{"read", "write"}) {
		t.Fatalf("scopes = %v", p.Scopes())
	}
	if !p.HasScope("write") || p.HasScope("admin") {
		t.Fatalf("HasScope mismatch: %v", p.Scopes())
	}
	if time.Until(p.ExpiresAt()) <= 0 {
		t.Fatalf("expiry not in the future: %v", p.ExpiresAt())
	}

	var claims struct {
		Sub   string `json:"sub"`
		Scope string `json:"scope"`
	}
	if err := p.Claims(&claims); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Sub != "alice" || claims.Scope != "read write" {
		t.Fatalf("claims roundtrip mismatch: %+v", claims)
	}
}

func TestVerifier_UnknownKeyIsSignatureInvalid(t *testing.T) {
	trusted := genKey(t)
	v := staticVerifier(t, trusted)

	for i := 0; i < 3; i++ {
		tok := issue(t, genKey(t), keys.TokenClaims{})
		_, err := v.Verify(context.Background(), tok)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("want SignatureInvalid, got %v", err)
		}
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("signature failure should be unauthorized: %v", err)
		}
	}
}

func TestVerifier_ExpiredRegardlessOfSignature(t *testing.T) {
	trusted := genKey(t)
	v := staticVerifier(t, trusted)

	cases := map[string]*keys.KeyPair{
		"trusted key": trusted,
		"foreign key": genKey(t),
	}
	for name, kp := range cases {
		t.Run(name, func(t *testing.T) {
			tok := issue(t, kp, keys.TokenClaims{TTL: -time.Hour})
			_, err := v.Verify(context.Background(), tok)
			if KindOf(err) != KindExpired {
				t.Fatalf("want Expired, got %v", err)
			}
		})
	}
}

func TestVerifier_InsufficientScope(t *testing.T) {
	kp := genKey(t)
	v := staticVerifier(t, kp, WithRequiredScopes("read", "write"))

	tok := issue(t, kp, keys.TokenClaims{Scopes: []string{"read"}})
	_, err := v.Verify(context.Background(), tok)
	if !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want insufficient scope, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("insufficient scope must not match ErrUnauthorized")
	}
	if KindOf(err) != KindInsufficientScope {
		t.Fatalf("kind = %v", KindOf(err))
	}
}

func TestVerifier_ScopeClaimsAreUnioned(t *testing.T) {
	kp := genKey(t)
	v := staticVerifier(t, kp, WithRequiredScopes("read", "write"))

	tok := issue(t, kp, keys.TokenClaims{
		Scopes: []string{"read"},
		Extra:  map[string]any{"scp": []string{"write"}},
	})
	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(p.Scopes(), []string{"read", "write"}) {
		t.Fatalf("scopes = %v", p.Scopes())
	}
}

func TestVerifier_Rejections(t *testing.T) {
	kp := genKey(t)
	v := staticVerifier(t, kp, WithTokenType("at+jwt"))

	sign := func(claims jwt.MapClaims, typ string) string {
		t.Helper()
		tok, err := kp.Sign(claims, typ)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	exp := time.Now().Add(time.Hour).Unix()
	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": devIssuer, "aud": devAudience, "sub": "x", "exp": exp,
	}).SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  Kind
	}{
		{"empty", "", KindMalformed},
		{"garbage", "not-a-jwt", KindMalformed},
		{"three garbage segments", "a.b.c", KindMalformed},
		{"wrong issuer", issue(t, kp, keys.TokenClaims{Issuer: "https://evil.example.com", Type: "at+jwt"}), KindIssuerMismatch},
		{"wrong audience", issue(t, kp, keys.TokenClaims{Audience: []string{"someone-else"}, Type: "at+jwt"}), KindAudienceMismatch},
		{"audience list without ours", issue(t, kp, keys.TokenClaims{Audience: []string{"a", "b"}, Type: "at+jwt"}), KindAudienceMismatch},
		{"not yet valid", issue(t, kp, keys.TokenClaims{NotBefore: time.Now().Add(time.Hour), Type: "at+jwt"}), KindExpired},
		{"missing exp", sign(jwt.MapClaims{"iss": devIssuer, "aud": devAudience, "sub": "x"}, "at+jwt"), KindMalformed},
		{"missing sub", sign(jwt.MapClaims{"iss": devIssuer, "aud": devAudience, "exp": exp}, "at+jwt"), KindMalformed},
		{"non-string scope", sign(jwt.MapClaims{"iss": devIssuer, "aud": devAudience, "sub": "x", "exp": exp, "scope": 42}, "at+jwt"), KindMalformed},
		{"wrong typ", issue(t, kp, keys.TokenClaims{Type: "JWT"}), KindMalformed},
		{"disallowed alg", hs, KindSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := v.Verify(context.Background(), tt.token)
			if err == nil {
				t.Fatalf("expected rejection, got principal %q", p.Subject())
			}
			if p != nil {
				t.Fatalf("principal returned alongside error")
			}
			var r *Rejection
			if !errors.As(err, &r) {
				t.Fatalf("error is not a *Rejection: %T %v", err, err)
			}
			if r.Kind != tt.want {
				t.Fatalf("kind = %v, want %v (%v)", r.Kind, tt.want, err)
			}
		})
	}
}

func TestVerifier_TokenTypeAcceptsMediaTypeForm(t *testing.T) {
	kp := genKey(t)
	v := staticVerifier(t, kp, WithTokenType("at+jwt"))
	for _, typ := range []string{"at+jwt", "AT+JWT", "application/at+jwt"} {
		if _, err := v.Verify(context.Background(), issue(t, kp, keys.TokenClaims{Type: typ})); err != nil {
			t.Fatalf("typ %q: %v", typ, err)
		}
	}
}

func TestVerifier_LeewayAndClock(t *testing.T) {
	kp := genKey(t)
	tok := issue(t, kp, keys.TokenClaims{TTL: time.Minute})

	later := time.Now().Add(90 * time.Second)
	clock := func() time.Time { return later }

	strict := staticVerifier(t, kp, WithLeeway(0), WithClock(clock))
	if _, err := strict.Verify(context.Background(), tok); KindOf(err) != KindExpired {
		t.Fatalf("want Expired without leeway, got %v", err)
	}

	lenient := staticVerifier(t, kp, WithLeeway(time.Minute), WithClock(clock))
	if _, err := lenient.Verify(context.Background(), tok); err != nil {
		t.Fatalf("want success within leeway, got %v", err)
	}
}

func TestNewVerifier_InvalidPolicy(t *testing.T) {
	kp := genKey(t)
	src, _ := NewStaticKey(kp.PublicKey())

	tests := []struct {
		name     string
		issuer   string
		audience string
		opts     []Option
	}{
		{"no issuer", "", devAudience, nil},
		{"no audience", devIssuer, "", nil},
		{"alg none", devIssuer, devAudience, []Option{WithAllowedAlgs("RS256", "none")}},
		{"no algs", devIssuer, devAudience, []Option{WithAllowedAlgs()}},
		{"negative leeway", devIssuer, devAudience, []Option{WithLeeway(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewVerifier(src, tt.issuer, tt.audience, tt.opts...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := NewVerifier(nil, devIssuer, devAudience); err == nil {
		t.Fatalf("expected error for nil trust source")
	}
}

func TestVerifier_PolicyIsCopied(t *testing.T) {
	kp := genKey(t)
	scopes := []string{"read"}
	v := staticVerifier(t, kp, WithRequiredScopes(scopes...))
	scopes[0] = "admin"

	got := v.Policy()
	got.RequiredScopes[0] = "mutated"
	if !reflect.DeepEqual(v.Policy().RequiredScopes, []string{"read"}) {
		t.Fatalf("policy mutated: %v", v.Policy().RequiredScopes)
	}
}
