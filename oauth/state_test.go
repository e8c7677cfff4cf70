package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_ConsumeOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	req := &AuthorizationRequest{State: "st", CodeVerifier: "v", ExpiresAt: time.Now().Add(time.Minute)}

	if err := s.Put(ctx, req); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, req); !errors.Is(err, ErrStateExists) {
		t.Fatalf("want ErrStateExists, got %v", err)
	}
	got, err := s.Consume(ctx, "st")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.CodeVerifier != "v" {
		t.Fatalf("verifier = %q", got.CodeVerifier)
	}
	if _, err := s.Consume(ctx, "st"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("want ErrStateNotFound, got %v", err)
	}
}

func TestMemoryStore_ConcurrentConsume(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Put(ctx, &AuthorizationRequest{State: "race", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Put(ctx, &AuthorizationRequest{State: "a", ExpiresAt: now.Add(time.Minute)})
	_ = s.Put(ctx, &AuthorizationRequest{State: "b", ExpiresAt: now.Add(time.Hour)})
	now = now.Add(2 * time.Minute)

	if _, err := s.Consume(ctx, "a"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("want ErrStateNotFound for expired state, got %v", err)
	}
	_ = s.Put(ctx, &AuthorizationRequest{State: "c", ExpiresAt: now.Add(time.Minute)})
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if err := s.Put(ctx, &AuthorizationRequest{}); err == nil {
		t.Fatalf("expected error for empty state")
	}
}
