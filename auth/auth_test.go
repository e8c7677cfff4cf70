package auth

import (
	"errors"
	"fmt"
	"testing"
)

func TestRejection_Is(t *testing.T) {
	all := []*Rejection{
		ErrMalformed, ErrSignatureInvalid, ErrExpired, ErrIssuerMismatch,
		ErrAudienceMismatch, ErrScopeMissing, ErrKeyResolutionFailed,
		ErrMissingCredential, ErrStateMismatch, ErrUnknownState,
		ErrMissingCode, ErrTokenEndpoint,
	}
	for _, sentinel := range all {
		t.Run(sentinel.Kind.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", Reject(sentinel.Kind, "detail", errors.New("cause")))
			if !errors.Is(err, sentinel) {
				t.Fatalf("%v does not match its own sentinel", err)
			}
			for _, other := range all {
				if other != sentinel && errors.Is(err, other) {
					t.Fatalf("%v unexpectedly matches %v", err, other.Kind)
				}
			}
			scope := sentinel.Kind == KindInsufficientScope
			if errors.Is(err, ErrUnauthorized) == scope {
				t.Fatalf("ErrUnauthorized match = %v for %v", !scope, sentinel.Kind)
			}
			if errors.Is(err, ErrInsufficientScope) != scope {
				t.Fatalf("ErrInsufficientScope match = %v for %v", !scope, sentinel.Kind)
			}
			if KindOf(err) != sentinel.Kind {
				t.Fatalf("KindOf = %v", KindOf(err))
			}
		})
	}
}

func TestRejection_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	r := Reject(KindKeyResolutionFailed, "key set unavailable", cause)
	if got, want := r.Error(), "key_resolution_failed: key set unavailable: dial tcp: refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(r, cause) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if KindOf(cause) != 0 {
		t.Fatalf("plain error has a kind")
	}
	if Kind(99).String() != "kind(99)" {
		t.Fatalf("unknown kind string = %q", Kind(99).String())
	}
}
