package oauth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStateNotFound is returned by Consume when the state is unknown, already
// consumed or expired.
var ErrStateNotFound = errors.New("oauth: state not found")

// ErrStateExists is returned by Put when the state is already outstanding.
var ErrStateExists = errors.New("oauth: state already exists")

// AuthorizationRequest is the server-side half of an outstanding flow,
// recorded when the user is sent to the provider and consumed by the
// matching callback.
type AuthorizationRequest struct {
	ClientID     string    `json:"client_id"`
	RedirectURI  string    `json:"redirect_uri"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// StateStore holds outstanding authorization requests keyed by state.
// Consume must be atomic: of two concurrent calls for one state at most one
// succeeds.
type StateStore interface {
	Put(ctx context.Context, req *AuthorizationRequest) error
	Consume(ctx context.Context, state string) (*AuthorizationRequest, error)
}

// MemoryStore is a process-local StateStore.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[string]*AuthorizationRequest
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: map[string]*AuthorizationRequest{}, now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, req *AuthorizationRequest) error {
	if req == nil || req.State == "" {
		return errors.New("oauth: request with a state is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, r := range s.reqs {
		if !now.Before(r.ExpiresAt) {
			delete(s.reqs, k)
		}
	}
	if _, ok := s.reqs[req.State]; ok {
		return ErrStateExists
	}
	cp := *req
	s.reqs[req.State] = &cp
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, state string) (*AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.reqs, state)
	if !s.now().Before(req.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return req, nil
}

// Len reports the number of stored requests, including expired ones not yet
// swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}
