package auth

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Principal is the identity carried by a verified bearer token. Values are
// only produced by Verifier.Verify.
type Principal struct {
	subject   string
	issuer    string
	audience  []string
	scopes    map[string]struct{}
	expiresAt time.Time
	claims    map[string]any
}

func (p *Principal) Subject() string      { return p.subject }
func (p *Principal) Issuer() string       { return p.issuer }
func (p *Principal) Audience() []string   { return slices.Clone(p.audience) }
func (p *Principal) ExpiresAt() time.Time { return p.expiresAt }

// HasScope reports whether the token granted scope.
func (p *Principal) HasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

// Scopes returns the granted scopes in sorted order.
func (p *Principal) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Claims unmarshals the token's full claim set into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal placed on ctx by Gate.Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
