package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized matches every rejection that means the caller did not
// present an acceptable credential.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope matches rejections where the caller authenticated but
// lacks a required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Kind tags a Rejection with the reason a credential was refused or an
// authorization flow failed.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindSignatureInvalid
	KindExpired
	KindIssuerMismatch
	KindAudienceMismatch
	KindInsufficientScope
	KindKeyResolutionFailed
	KindMissingCredential
	KindStateMismatch
	KindUnknownState
	KindMissingCode
	KindTokenEndpointError
)

var kindNames = map[Kind]string{
	KindMalformed:           "malformed",
	KindSignatureInvalid:    "signature_invalid",
	KindExpired:             "expired",
	KindIssuerMismatch:      "issuer_mismatch",
	KindAudienceMismatch:    "audience_mismatch",
	KindInsufficientScope:   "insufficient_scope",
	KindKeyResolutionFailed: "key_resolution_failed",
	KindMissingCredential:   "missing_credential",
	KindStateMismatch:       "state_mismatch",
	KindUnknownState:        "unknown_state",
	KindMissingCode:         "missing_code",
	KindTokenEndpointError:  "token_endpoint_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels usable with errors.Is. A *Rejection matches the sentinel of its
// own kind.
var (
	ErrMalformed           = &Rejection{Kind: KindMalformed}
	ErrSignatureInvalid    = &Rejection{Kind: KindSignatureInvalid}
	ErrExpired             = &Rejection{Kind: KindExpired}
	ErrIssuerMismatch      = &Rejection{Kind: KindIssuerMismatch}
	ErrAudienceMismatch    = &Rejection{Kind: KindAudienceMismatch}
	ErrScopeMissing        = &Rejection{Kind: KindInsufficientScope}
	ErrKeyResolutionFailed = &Rejection{Kind: KindKeyResolutionFailed}
	ErrMissingCredential   = &Rejection{Kind: KindMissingCredential}
	ErrStateMismatch       = &Rejection{Kind: KindStateMismatch}
	ErrUnknownState        = &Rejection{Kind: KindUnknownState}
	ErrMissingCode         = &Rejection{Kind: KindMissingCode}
	ErrTokenEndpoint       = &Rejection{Kind: KindTokenEndpointError}
)

// Rejection is the structured error returned by verification, the gate and
// the authorization code flow. Detail is meant for server logs and is never
// written to remote clients.
type Rejection struct {
	Kind   Kind
	Detail string
	// Status and Payload carry the token endpoint's HTTP status and raw body
	// for KindTokenEndpointError, when available.
	Status  int
	Payload []byte
	Err     error
}

// Reject builds a Rejection of the given kind.
func Reject(kind Kind, detail string, err error) *Rejection {
	return &Rejection{Kind: kind, Detail: detail, Err: err}
}

func (r *Rejection) Error() string {
	msg := r.Kind.String()
	if r.Detail != "" {
		msg += ": " + r.Detail
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is reports whether target is the sentinel for r's kind, or one of the
// coarse ErrUnauthorized / ErrInsufficientScope classes.
func (r *Rejection) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return r.Kind != KindInsufficientScope
	case ErrInsufficientScope:
		return r.Kind == KindInsufficientScope
	}
	if t, ok := target.(*Rejection); ok {
		return t.Kind == r.Kind
	}
	return false
}

// KindOf returns the kind of the first Rejection in err's chain, or zero.
func KindOf(err error) Kind {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Kind
	}
	return 0
}

// TokenVerifier validates a raw bearer token and yields the principal it
// identifies. Every non-nil error is a *Rejection.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}
