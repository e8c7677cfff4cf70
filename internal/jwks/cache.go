// Package jwks caches a remote JSON Web Key Set and resolves verification
// keys for incoming tokens.
//
// The cache fetches lazily: the first lookup, a lookup after the TTL has
// elapsed, and a lookup for a key id absent from the cached set all trigger a
// refresh. Concurrent callers needing a refresh share a single in-flight
// fetch. Every fetch is bounded by FetchTimeout so the request path never
// blocks on a slow identity provider.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound is returned when the key set does not contain a key usable
// for the token, even after a refresh.
var ErrKeyNotFound = errors.New("jwks: key not found")

// ErrFetch is returned when the key set could not be fetched or parsed and no
// usable cached copy exists.
var ErrFetch = errors.New("jwks: fetch failed")

const maxDocumentSize = 1 << 20

// Config controls fetching and caching of a remote key set.
type Config struct {
	URL        string
	HTTPClient *http.Client
	// TTL is how long a fetched key set is served without refetching.
	TTL time.Duration
	// FetchTimeout bounds a single fetch, independent of the caller's context.
	FetchTimeout time.Duration
	// MinRefreshInterval rate limits refetches triggered by unknown key ids.
	MinRefreshInterval time.Duration
	// StaleGrace lets an expired key set keep serving for this long past its
	// TTL when refreshing fails. Zero disables the fallback.
	StaleGrace time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultConfig returns a Config with conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:                10 * time.Minute,
		FetchTimeout:       5 * time.Second,
		MinRefreshInterval: 30 * time.Second,
		StaleGrace:         5 * time.Minute,
	}
}

type entry struct {
	kf        keyfunc.Keyfunc
	fetchedAt time.Time
}

// Cache resolves verification keys from a remote key set. It is safe for
// concurrent use.
type Cache struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.RWMutex
	cur     *entry
	group   singleflight.Group
	fetches atomic.Int64
}

// New validates cfg and returns an empty cache. No network I/O happens until
// the first lookup.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		return nil, errors.New("jwks: config is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("jwks: url is required")
	}
	c := *cfg
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.MinRefreshInterval < 0 {
		c.MinRefreshInterval = 0
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache{cfg: c, log: log}, nil
}

// URL returns the key set location.
func (c *Cache) URL() string { return c.cfg.URL }

// Fetches reports how many network fetches have been started.
func (c *Cache) Fetches() int64 { return c.fetches.Load() }

// Key returns the verification key for token, refreshing the cached set when
// it is missing, expired, or lacks the token's key id.
func (c *Cache) Key(ctx context.Context, token *jwt.Token) (any, error) {
	e := c.current()
	if e == nil || !c.fresh(e) {
		next, err := c.refresh(ctx, e)
		switch {
		case err == nil:
			e = next
		case e != nil && c.withinGrace(e):
			c.log.WarnContext(ctx, "jwks.refresh.stale",
				slog.String("url", c.cfg.URL),
				slog.Time("fetched_at", e.fetchedAt),
				slog.String("err", err.Error()))
		default:
			return nil, err
		}
	}

	key, err := e.kf.KeyfuncCtx(ctx)(token)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, jwkset.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	if c.cfg.Now().Sub(e.fetchedAt) < c.cfg.MinRefreshInterval {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	c.log.DebugContext(ctx, "jwks.kid.miss", slog.String("url", c.cfg.URL), slog.Any("kid", token.Header["kid"]))
	next, rerr := c.refresh(ctx, e)
	if rerr != nil {
		return nil, rerr
	}
	key, err = next.kf.KeyfuncCtx(ctx)(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}
	return key, nil
}

func (c *Cache) current() *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

func (c *Cache) fresh(e *entry) bool {
	return c.cfg.Now().Sub(e.fetchedAt) < c.cfg.TTL
}

func (c *Cache) withinGrace(e *entry) bool {
	return c.cfg.StaleGrace > 0 && c.cfg.Now().Sub(e.fetchedAt) < c.cfg.TTL+c.cfg.StaleGrace
}

// refresh replaces seen with a newly fetched key set. Callers that arrive
// while a fetch is in flight wait for it instead of starting their own; a
// caller whose context ends first stops waiting but the fetch completes for
// the others.
func (c *Cache) refresh(ctx context.Context, seen *entry) (*entry, error) {
	ch := c.group.DoChan(c.cfg.URL, func() (any, error) {
		if cur := c.current(); cur != nil && cur != seen {
			return cur, nil
		}
		return c.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	}
}

func (c *Cache) fetch(ctx context.Context) (*entry, error) {
	c.fetches.Add(1)
	start := c.cfg.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("url", c.cfg.URL), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("url", c.cfg.URL), slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}

	kf, err := keyfunc.NewJWKSetJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key set: %v", ErrFetch, err)
	}
	keys, err := kf.Storage().KeyReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: key set is empty", ErrFetch)
	}

	e := &entry{kf: kf, fetchedAt: c.cfg.Now()}
	c.mu.Lock()
	c.cur = e
	c.mu.Unlock()

	c.log.DebugContext(ctx, "jwks.fetch.ok",
		slog.String("url", c.cfg.URL),
		slog.Int("keys", len(keys)),
		slog.Duration("dur", c.cfg.Now().Sub(start)))
	return e, nil
}
