// Package auth verifies bearer tokens presented to a protected tool endpoint
// and turns them into a Principal.
//
// A Verifier pairs a TokenPolicy (issuer, audience, required scopes, allowed
// algorithms, clock leeway) with exactly one TrustSource that supplies the
// signature verification key:
//
//   - StaticKey trusts one in-memory public key, typically the process's own
//     self-issued key pair.
//   - FileKey trusts an RSA public key in a PEM file and reloads it when the
//     file changes.
//   - JWKS trusts a remote JSON Web Key Set, cached with a TTL and refreshed
//     at most once at a time.
//
// NewFromDiscovery builds a JWKS-backed Verifier from an issuer's OpenID
// Connect discovery document.
//
// # Gate
//
// Gate is the chokepoint in front of tool handlers. Gate.Middleware extracts
// the Authorization header, verifies the token and stores the Principal on
// the request context before calling the next handler:
//
//	v, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "my-dev-server",
//	    auth.WithRequiredScopes("read"),
//	)
//	if err != nil { log.Fatal(err) }
//	gate, _ := auth.NewGate(v, auth.WithResourceMetadata(prmURL))
//	mux.Handle("POST /tools/{name}", gate.Middleware(tools))
//
// Handlers read the caller with PrincipalFromContext. Gate.RequireScopes adds
// per-tool scope requirements on top of the verifier's policy.
//
// # Errors
//
// Every failure is a *Rejection tagged with a Kind. Callers branch with
// errors.Is against the per-kind sentinels (ErrExpired, ErrSignatureInvalid,
// ...) or the coarse classes ErrUnauthorized and ErrInsufficientScope.
// Rejection detail is for server logs; Gate answers clients with a uniform
// RFC 6750 challenge.
package auth
