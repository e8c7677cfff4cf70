package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge is the HTTP status and WWW-Authenticate value sent for a refused
// request.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// challengeFor maps err to a client-facing challenge. Rejection detail never
// reaches the client; every credential failure looks the same from outside.
func challengeFor(err error, realm, resourceMetadata string, scopeHint []string) Challenge {
	switch {
	case errors.Is(err, ErrMissingCredential):
		// RFC 6750 §3.1: no error code when the request carried no credentials.
		return Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: buildBearerChallenge(realm, resourceMetadata, nil),
		}
	case errors.Is(err, ErrInsufficientScope):
		params := [][2]string{
			{"error", "insufficient_scope"},
			{"error_description", "the access token lacks a required scope"},
		}
		if len(scopeHint) > 0 {
			params = append(params, [2]string{"scope", strings.Join(scopeHint, " ")})
		}
		return Challenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: buildBearerChallenge(realm, resourceMetadata, params),
		}
	default:
		return Challenge{
			Status: http.StatusUnauthorized,
			WWWAuthenticate: buildBearerChallenge(realm, resourceMetadata, [][2]string{
				{"error", "invalid_token"},
				{"error_description", "the access token is invalid"},
			}),
		}
	}
}

func buildBearerChallenge(realm string, resourceMetadata string, params [][2]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, kv := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, kv[0], esc(kv[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func writeChallenge(w http.ResponseWriter, c Challenge) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(c.Status)
	if c.Status == http.StatusForbidden {
		fmt.Fprintln(w, "forbidden")
		return
	}
	fmt.Fprintln(w, "unauthorized")
}
