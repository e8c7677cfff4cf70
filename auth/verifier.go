package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var _ TokenVerifier = (*Verifier)(nil)

// Verifier validates bearer tokens against one TrustSource and a TokenPolicy.
// It is safe for concurrent use.
type Verifier struct {
	policy TokenPolicy
	source TrustSource
	log    *slog.Logger
	now    func() time.Time
	parser *jwt.Parser
}

// NewVerifier returns a Verifier trusting source for tokens minted by issuer
// for audience.
func NewVerifier(source TrustSource, issuer, audience string, opts ...Option) (*Verifier, error) {
	if source == nil {
		return nil, errors.New("auth: trust source is required")
	}
	cfg := defaultVerifierConfig()
	cfg.policy.Issuer = issuer
	cfg.policy.Audience = audience
	for _, opt := range opts {
		opt(cfg)
	}
	return newVerifier(source, cfg)
}

func newVerifier(source TrustSource, cfg *verifierConfig) (*Verifier, error) {
	policy := cfg.policy.clone()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	log := cfg.log
	if log == nil {
		log = slog.Default()
	}
	v := &Verifier{
		policy: policy,
		source: source,
		log:    log,
		now:    cfg.now,
	}
	// Issuer and audience are compared after parsing so that each failure
	// maps to its own rejection kind.
	v.parser = jwt.NewParser(
		jwt.WithValidMethods(policy.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(policy.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	return v, nil
}

// Policy returns a copy of the enforced policy.
func (v *Verifier) Policy() TokenPolicy { return v.policy.clone() }

// Verify checks token and returns the principal it identifies.
func (v *Verifier) Verify(ctx context.Context, token string) (*Principal, error) {
	p, err := v.verify(ctx, token)
	if err != nil {
		v.log.DebugContext(ctx, "auth.verify.fail", slog.String("kind", KindOf(err).String()), slog.String("err", err.Error()))
		return nil, err
	}
	return p, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (*Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, Reject(KindMalformed, "empty token", nil)
	}

	// Expiry is judged before the signature so that an expired token is
	// reported as such whoever signed it.
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, Reject(KindMalformed, "unparsable token", err)
	}
	exp, err := unverified.Claims.GetExpirationTime()
	if err != nil {
		return nil, Reject(KindMalformed, "invalid exp claim", err)
	}
	if exp == nil {
		return nil, Reject(KindMalformed, "missing exp claim", nil)
	}
	if !v.now().Before(exp.Add(v.policy.Leeway)) {
		return nil, Reject(KindExpired, fmt.Sprintf("expired at %s", exp.UTC().Format(time.RFC3339)), nil)
	}

	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (any, error) {
		return v.source.VerificationKey(ctx, t)
	})
	if err != nil {
		return nil, classify(err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, Reject(KindMalformed, "unexpected claims type", nil)
	}

	if iss, _ := claims.GetIssuer(); iss != v.policy.Issuer {
		return nil, Reject(KindIssuerMismatch, fmt.Sprintf("got %q", iss), nil)
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return nil, Reject(KindMalformed, "invalid aud claim", err)
	}
	if !audContains(aud, v.policy.Audience) {
		return nil, Reject(KindAudienceMismatch, fmt.Sprintf("got %v", []string(aud)), nil)
	}

	if v.policy.TokenType != "" {
		typ, _ := parsed.Header["typ"].(string)
		if !typMatches(typ, v.policy.TokenType) {
			return nil, Reject(KindMalformed, fmt.Sprintf("typ %q, want %q", typ, v.policy.TokenType), nil)
		}
	}

	scopes, err := scopeSet(claims)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, want := range v.policy.RequiredScopes {
		if _, ok := scopes[want]; !ok {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return nil, Reject(KindInsufficientScope, "missing "+strings.Join(missing, " "), nil)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, Reject(KindMalformed, "missing sub claim", nil)
	}

	return &Principal{
		subject:   sub,
		issuer:    v.policy.Issuer,
		audience:  []string(aud),
		scopes:    scopes,
		expiresAt: exp.Time,
		claims:    map[string]any(claims),
	}, nil
}

// classify maps a golang-jwt parse failure to a rejection. A rejection
// returned by the trust source is passed through unchanged.
func classify(err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Reject(KindMalformed, "malformed token", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return Reject(KindSignatureInvalid, "signature verification failed", err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return Reject(KindExpired, "outside validity window", err)
	default:
		return Reject(KindMalformed, "invalid claims", err)
	}
}

func audContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func typMatches(got, want string) bool {
	norm := func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "application/")
	}
	return norm(got) == norm(want)
}

// scopeSet unions the space-delimited "scope" claim with the "scp" claim,
// which some providers emit as an array.
func scopeSet(claims jwt.MapClaims) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	if raw, ok := claims["scope"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, Reject(KindMalformed, "scope claim is not a string", nil)
		}
		for _, f := range strings.Fields(s) {
			out[f] = struct{}{}
		}
	}
	switch scp := claims["scp"].(type) {
	case nil:
	case string:
		for _, f := range strings.Fields(scp) {
			out[f] = struct{}{}
		}
	case []any:
		for _, item := range scp {
			s, ok := item.(string)
			if !ok {
				return nil, Reject(KindMalformed, "scp claim contains a non-string", nil)
			}
			out[s] = struct{}{}
		}
	default:
		return nil, Reject(KindMalformed, "scp claim has unexpected type", nil)
	}
	return out, nil
}
