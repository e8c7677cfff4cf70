// Package redisstate stores outstanding authorization requests in Redis so
// that any replica behind a load balancer can receive the provider's
// redirect. Consumption uses GETDEL, so a state is handed out at most once.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-toolauth/oauth"
)

var _ oauth.StateStore = (*Store)(nil)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: STATE_KEY_PREFIX
	KeyPrefix string `env:"STATE_KEY_PREFIX,default=toolauth:state:"`
	// Client, when set, is used instead of dialing RedisAddr.
	Client *redis.Client
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	cl, owned := cfg.Client, false
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl, owned = redis.NewClient(&redis.Options{Addr: addr}), true
	}
	if err := cl.Ping(ctx).Err(); err != nil {
		if owned {
			_ = cl.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "toolauth:state:"
	}
	return &Store{client: cl, keyPrefix: prefix, owned: owned}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(state string) string { return s.keyPrefix + state }

// Put records req until its ExpiresAt.
func (s *Store) Put(ctx context.Context, req *oauth.AuthorizationRequest) error {
	if req == nil || req.State == "" {
		return errors.New("redisstate: request with a state is required")
	}
	ttl := time.Until(req.ExpiresAt)
	if ttl <= 0 {
		return errors.New("redisstate: request already expired")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(req.State), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return oauth.ErrStateExists
	}
	return nil
}

// Consume atomically fetches and deletes the request for state.
func (s *Store) Consume(ctx context.Context, state string) (*oauth.AuthorizationRequest, error) {
	b, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel: %w", err)
	}
	var req oauth.AuthorizationRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if !time.Now().Before(req.ExpiresAt) {
		return nil, oauth.ErrStateNotFound
	}
	return &req, nil
}
