// Package keys holds the process-local RSA key pair used in self-issued mode:
// the server trusts its own public key and mints bearer tokens for local
// development and tests. Key pairs live in memory only.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultBits is the modulus size used by Generate.
const DefaultBits = 2048

// DefaultTokenTTL is the lifetime of issued tokens when TokenClaims.TTL is zero.
const DefaultTokenTTL = time.Hour

// KeyPair is an RSA signing key with a stable key id.
type KeyPair struct {
	kid  string
	priv *rsa.PrivateKey
}

// Generate creates a fresh key pair with a random key id.
func Generate() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, DefaultBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{kid: uuid.NewString(), priv: priv}, nil
}

// FromPrivateKey wraps an existing key. An empty kid gets a random one.
func FromPrivateKey(kid string, priv *rsa.PrivateKey) (*KeyPair, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if kid == "" {
		kid = uuid.NewString()
	}
	return &KeyPair{kid: kid, priv: priv}, nil
}

func (k *KeyPair) KeyID() string             { return k.kid }
func (k *KeyPair) PublicKey() *rsa.PublicKey { return &k.priv.PublicKey }

// PublicKeyPEM encodes the public key as a PKIX "PUBLIC KEY" block.
func (k *KeyPair) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// JWKS returns the public half as a single-key JSON Web Key Set.
func (k *KeyPair) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &k.priv.PublicKey,
		KeyID:     k.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// JWKSHandler serves the key set document.
func (k *KeyPair) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		if err := json.NewEncoder(w).Encode(k.JWKS()); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode key set: %v", err), http.StatusInternalServerError)
		}
	})
}

// TokenClaims describes a token to mint.
type TokenClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Scopes   []string
	// TTL sets exp relative to now. Zero means DefaultTokenTTL; a negative
	// value produces an already expired token.
	TTL       time.Duration
	NotBefore time.Time
	// Type is the JOSE "typ" header. Defaults to "JWT".
	Type string
	// Extra claims are applied last and may override the standard ones.
	Extra map[string]any
}

// IssueToken signs an RS256 access token carrying the given claims.
func (k *KeyPair) IssueToken(c TokenClaims) (string, error) {
	now := time.Now()
	ttl := c.TTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	claims := jwt.MapClaims{
		"iss": c.Issuer,
		"sub": c.Subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	}
	switch len(c.Audience) {
	case 0:
	case 1:
		claims["aud"] = c.Audience[0]
	default:
		claims["aud"] = append([]string(nil), c.Audience...)
	}
	if len(c.Scopes) > 0 {
		claims["scope"] = strings.Join(c.Scopes, " ")
	}
	if !c.NotBefore.IsZero() {
		claims["nbf"] = c.NotBefore.Unix()
	}
	for key, v := range c.Extra {
		claims[key] = v
	}
	typ := c.Type
	if typ == "" {
		typ = "JWT"
	}
	return k.Sign(claims, typ)
}

// Sign signs arbitrary claims with the pair's private key.
func (k *KeyPair) Sign(claims jwt.Claims, typ string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
