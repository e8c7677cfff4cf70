package auth

import (
	"github.com/ggoodman/mcp-toolauth/internal/wellknown"
)

// ResourceMetadata describes the resource at resourceURL, protected by v,
// as an RFC 9728 document. jwksURL is advertised when non-empty.
func (v *Verifier) ResourceMetadata(resourceURL, jwksURL string) wellknown.ProtectedResourceMetadata {
	p := v.Policy()
	return wellknown.ProtectedResourceMetadata{
		Resource:                          resourceURL,
		AuthorizationServers:              []string{p.Issuer},
		JwksURI:                           jwksURL,
		ScopesSupported:                   p.RequiredScopes,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: p.AllowedAlgs,
	}
}
